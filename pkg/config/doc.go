// Package config loads typed configuration structs from environment
// variables, with optional .env file support for local development.
//
// Every component of the service declares its own config struct with `env`
// tags and loads it independently, so packages never share a monolithic
// settings object.
package config
