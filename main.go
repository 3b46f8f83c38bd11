// The main package for the mention-monitor executable.
package main

import "github.com/JakeFAU/mention-monitor/cmd"

func main() {
	cmd.Execute()
}
