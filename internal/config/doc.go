// Package config loads the YAML service configuration. Values may reference
// environment variables as ${NAME}; they are expanded before parsing so API
// keys stay out of the file. Unset fields keep the values from Default.
package config
