/*
 * Copyright (c) 2020 Andreas Schneider
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// Package pow implements a Caddy HTTP handler that routes requests to
// co-resident Rack applications by host, starting and supervising each
// application's worker pool on demand.
package pow

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/JustinCampbell/pow/internal/application"
	"github.com/JustinCampbell/pow/internal/pipeline"
	"github.com/JustinCampbell/pow/internal/resolver"
	"github.com/JustinCampbell/pow/internal/router"
	"github.com/JustinCampbell/pow/internal/workerpool"
)

func init() {
	caddy.RegisterModule(Pow{})
	// RegisterHandlerDirective associates the "pow" directive in the Caddyfile
	// with the parseCaddyfile function to create a handler instance.
	httpcaddyfile.RegisterHandlerDirective("pow", parseCaddyfile)
	// RegisterDirectiveOrder ensures the "pow" handler runs before "respond",
	// making an explicit "order" block in the Caddyfile unnecessary.
	httpcaddyfile.RegisterDirectiveOrder("pow", httpcaddyfile.Before, "respond")
}

// Pow is the Configuration object spec.md §6 describes: the directory of
// host symlinks, the domain suffix stripped from incoming Host headers, and
// the per-worker-pool knobs shared by every Application it creates.
type Pow struct {
	// Root is the directory of per-host symlinks resolved to application
	// roots.
	Root string `json:"root"`
	// Domain is the suffix stripped from a request's Host header before
	// it is looked up under Root, e.g. "test" for "myapp.test".
	Domain string `json:"domain,omitempty"`
	// Workers is the number of concurrent worker processes an
	// application's pool may run.
	Workers int `json:"workers,omitempty"`
	// Timeout is how long a worker may sit idle before it is terminated.
	Timeout caddy.Duration `json:"timeout,omitempty"`
	// DstPort is the value reported to workers via X-Forwarded-Port.
	DstPort int `json:"dst_port,omitempty"`
	// RvmPath is the rvm loader script sourced ahead of a root's .rvmrc,
	// when one is present.
	RvmPath string `json:"rvm_path,omitempty"`
	// Command and Args launch one worker process; Command defaults to
	// "rackup" when empty.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	router *router.Router
	chain  *pipeline.Chain
	logger *zap.Logger
}

// Interface guards
var (
	_ caddyhttp.MiddlewareHandler = (*Pow)(nil)
	_ caddyfile.Unmarshaler       = (*Pow)(nil)
	_ caddy.Provisioner           = (*Pow)(nil)
	_ caddy.CleanerUpper          = (*Pow)(nil)
)

func (p Pow) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.pow",
		New: func() caddy.Module { return &Pow{} },
	}
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler; it parses the pow
// directive and its subdirectives from the Caddyfile.
func (p *Pow) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		d.RemainingArgs() // consume matcher if present
		for d.NextBlock(0) {
			switch d.Val() {
			case "root":
				if !d.Args(&p.Root) {
					return d.ArgErr()
				}
			case "domain":
				if !d.Args(&p.Domain) {
					return d.ArgErr()
				}
			case "workers":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(v)
				if err != nil {
					return d.Errf("invalid workers value %q: %v", v, err)
				}
				p.Workers = n
			case "timeout":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				dur, err := time.ParseDuration(v)
				if err != nil {
					return d.Errf("invalid timeout value %q: %v", v, err)
				}
				p.Timeout = caddy.Duration(dur)
			case "dst_port":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(v)
				if err != nil {
					return d.Errf("invalid dst_port value %q: %v", v, err)
				}
				p.DstPort = n
			case "rvm_path":
				if !d.Args(&p.RvmPath) {
					return d.ArgErr()
				}
			case "command":
				args := d.RemainingArgs()
				if len(args) < 1 {
					return d.Err("a command needs to be specified")
				}
				p.Command = args[0]
				p.Args = args[1:]
			default:
				return d.Errf("unknown subdirective: %q", d.Val())
			}
		}
	}
	return nil
}

// Provision implements caddy.Provisioner; it builds the resolver, router,
// and pipeline the module delegates every request to.
func (p *Pow) Provision(ctx caddy.Context) error {
	p.logger = ctx.Logger(p)

	if p.Root == "" {
		return fmt.Errorf("pow: root is required")
	}
	if p.Workers <= 0 {
		p.Workers = 3
	}
	if p.Timeout == 0 {
		p.Timeout = caddy.Duration(15 * time.Minute)
	}
	if p.DstPort == 0 {
		p.DstPort = 80
	}

	cfg := &application.Config{
		Workers: p.Workers,
		Timeout: time.Duration(p.Timeout),
		DstPort: p.DstPort,
		RvmPath: p.RvmPath,
	}

	newPool := func(root string, env map[string]string) (application.Pool, error) {
		return workerpool.New(ctx, workerpool.Options{
			Root:        root,
			Env:         env,
			Size:        p.Workers,
			IdleTimeout: time.Duration(p.Timeout),
			Command:     p.Command,
			Args:        p.Args,
			Logger:      p.logger,
		})
	}

	res := resolver.New(p.Root)
	rt := router.New(res, p.Domain, cfg, p.logger, newPool)
	p.router = rt
	p.chain = pipeline.New(rt, p.logger)

	return nil
}

// ServeHTTP implements caddyhttp.MiddlewareHandler by delegating straight
// into the pipeline.
func (p *Pow) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	return p.chain.ServeHTTP(w, r, next)
}

// Cleanup implements caddy.CleanerUpper; it quits every application's
// worker pool when the module is unloaded or reconfigured.
func (p *Pow) Cleanup() error {
	if p.router != nil {
		p.router.CloseAll()
	}
	return nil
}

// parseCaddyfile unmarshals tokens from h into a new Pow.
func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	p := new(Pow)
	err := p.UnmarshalCaddyfile(h.Dispenser)
	return p, err
}
