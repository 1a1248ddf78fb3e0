// Package cli handles command-line argument parsing and translates flags
// into an app.Config.
package cli
