// Package config provides configuration loading and validation for the watch
// audio service. Values are read from YAML on top of Default and validated per
// section.
package config
