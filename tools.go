//go:build tools

package main

// Pins the swagger codegen CLI used by `make swagger-gen`.
import _ "github.com/swaggo/swag"
