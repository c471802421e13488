// Package config provides the configuration of astrace: the platform
// connection, the engine settings and the output preferences.
package config
