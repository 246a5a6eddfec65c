// Package server provides the HTTP status and control API of the watch audio
// service.
package server
