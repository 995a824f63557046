package main

import (
	"fmt"
	"io"
	"log"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if err == errUsage {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: rdpcred <command> [options]

Commands:
  status    Show the protection mode and lock state
  list      List saved connections
  add       Add or update a connection, optionally saving its password
  get       Print the saved password of a connection
  rm        Remove a connection
  rename    Rename a connection
  setup     Protect saved passwords with a master password
  change    Change the master password
  disable   Remove the master password and return to the default key
  reset     Forget the master password; saved passwords become unreadable
  import    Encrypt plaintext passwords left by older versions

Passwords are read from standard input, one per line.
Run 'rdpcred <command> -h' for command-specific options.
`)
}
