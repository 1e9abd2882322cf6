// Command pow is a Caddy binary with the pow handler module built in.
package main

import (
	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	_ "github.com/caddyserver/caddy/v2/modules/standard"
	_ "github.com/JustinCampbell/pow"
)

func main() {
	caddycmd.Main()
}
