package audio

// Assembly accumulates the PCM bytes of one recording in order.
//
// It is owned by the session loop and is not safe for concurrent use. Take
// hands the bytes over and leaves the buffer empty, so a delivered recording
// never shares memory with the next one.
type Assembly struct {
	data []byte

	appended int // bytes copied in by Append
	padded   int // zero bytes inserted by PadZeros
}

// AssemblyStats represents buffer statistics for monitoring
type AssemblyStats struct {
	Bytes    int `json:"bytes"`
	Samples  int `json:"samples"`
	Appended int `json:"appended_bytes"`
	Padded   int `json:"padded_bytes"`
	Capacity int `json:"capacity_bytes"`
}

// NewAssembly creates an empty buffer
func NewAssembly() *Assembly {
	return &Assembly{}
}

// Grow reserves room for a recording of total bytes
func (a *Assembly) Grow(total int) {
	if total > cap(a.data) {
		next := make([]byte, len(a.data), total)
		copy(next, a.data)
		a.data = next
	}
}

// Append copies p onto the end of the buffer
func (a *Assembly) Append(p []byte) {
	a.data = append(a.data, p...)
	a.appended += len(p)
}

// PadZeros appends n zero bytes (silence)
func (a *Assembly) PadZeros(n int) {
	if n <= 0 {
		return
	}
	a.data = append(a.data, make([]byte, n)...)
	a.padded += n
}

// Truncate shortens the buffer to n bytes
func (a *Assembly) Truncate(n int) {
	if n >= 0 && n < len(a.data) {
		a.data = a.data[:n]
	}
}

// Len returns the number of assembled bytes
func (a *Assembly) Len() int {
	return len(a.data)
}

// Bytes returns a read-only view of the assembled bytes. The view is invalid
// after the next mutation.
func (a *Assembly) Bytes() []byte {
	return a.data
}

// Take returns the assembled bytes and resets the buffer
func (a *Assembly) Take() []byte {
	out := a.data
	a.Reset()
	return out
}

// Reset drops all bytes and counters
func (a *Assembly) Reset() {
	a.data = nil
	a.appended = 0
	a.padded = 0
}

// Stats returns current buffer statistics
func (a *Assembly) Stats() AssemblyStats {
	return AssemblyStats{
		Bytes:    len(a.data),
		Samples:  len(a.data) / 2,
		Appended: a.appended,
		Padded:   a.padded,
		Capacity: cap(a.data),
	}
}
