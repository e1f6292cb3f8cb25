// Package server implements the control socket: a line protocol for local
// operator tooling. Commands run as the system caller.
//
//	PING                      -> PONG
//	LIST                      -> OK <listing json>
//	SEQ                       -> OK <seq>
//	STATUS                    -> OK <status json>
//	UPDATE <request json>     -> OK <result json>   request: {"group": ..., "modules": {...}}
//	DELETE_GROUP <group>      -> OK <result json>
//	RECONCILE                 -> OK <report json>
//	FLUSH                     -> OK
//	QUIT
//
// Failures answer "ERR <KIND> <message>".
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/icebiz/modgate/internal/access"
	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/logger"
	"github.com/icebiz/modgate/internal/registry"
	"github.com/icebiz/modgate/pkg/schema"
)

// Admin is the administrative surface the router drives.
// *admin.Service implements it.
type Admin interface {
	ListModules(ctx context.Context, actor access.Caller) (schema.Listing, error)
	UpdateGroupModules(ctx context.Context, actor access.Caller, group string, memberships map[registry.Module]bool) (schema.UpdateResult, error)
	DeleteGroup(ctx context.Context, actor access.Caller, group string) (schema.UpdateResult, error)
	ReconcileAll(ctx context.Context, actor access.Caller) (schema.ReconcileResult, error)
	Flush(ctx context.Context, actor access.Caller) error
	Status() schema.Status
}

// UpdateCommand is the payload of UPDATE. Group names may contain spaces,
// so the group travels inside the JSON.
type UpdateCommand struct {
	Group   string          `json:"group"`
	Modules map[string]bool `json:"modules"`
}

const (
	maxConns       = 100
	connDeadline   = 5 * time.Minute
	idleDeadline   = 30 * time.Second
	commandTimeout = 30 * time.Second
)

type Router struct {
	admin Admin
	cert  *tls.Certificate
	log   *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewRouter(a Admin, log *logger.Logger) *Router {
	return &Router{admin: a, log: logger.OrNop(log).WithComponent("control")}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Listen serves the control socket on addr until Stop is called.
func (r *Router) Listen(addr string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", addr, config)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()

	r.log.Infof("control socket listening", map[string]interface{}{
		"addr": listener.Addr().String(),
		"tls":  r.cert != nil,
	})

	semaphore := make(chan struct{}, maxConns)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.WithError(err).Warn("accept control connection")
			continue
		}

		conn.SetDeadline(time.Now().Add(connDeadline))

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener. Open connections finish their current command.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

func (r *Router) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(idleDeadline))

		line, err := reader.ReadString('\n')
		if err != nil {
			return // Connection closed or timeout
		}

		line = strings.TrimSpace(line)
		command, rest, _ := strings.Cut(line, " ")
		command = strings.ToUpper(command)
		rest = strings.TrimSpace(rest)
		if command == "" {
			continue
		}

		switch command {
		case "PING":
			fmt.Fprintln(conn, "PONG")
		case "QUIT":
			return
		default:
			r.dispatch(conn, command, rest)
		}
	}
}

func (r *Router) dispatch(conn net.Conn, command, rest string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	actor := access.System()

	var (
		out any
		err error
	)
	switch command {
	case "LIST":
		out, err = r.admin.ListModules(ctx, actor)

	case "SEQ":
		var listing schema.Listing
		listing, err = r.admin.ListModules(ctx, actor)
		out = listing.Seq

	case "STATUS":
		out = r.admin.Status()

	case "UPDATE":
		var cmd UpdateCommand
		if jerr := json.Unmarshal([]byte(rest), &cmd); jerr != nil {
			writeErr(conn, apperr.Wrap(apperr.KindInvalidParam, jerr, "invalid json payload"))
			return
		}
		memberships := make(map[registry.Module]bool, len(cmd.Modules))
		for mod, member := range cmd.Modules {
			memberships[registry.Module(mod)] = member
		}
		out, err = r.admin.UpdateGroupModules(ctx, actor, cmd.Group, memberships)

	case "DELETE_GROUP":
		out, err = r.admin.DeleteGroup(ctx, actor, rest)

	case "RECONCILE":
		out, err = r.admin.ReconcileAll(ctx, actor)

	case "FLUSH":
		if err = r.admin.Flush(ctx, actor); err == nil {
			fmt.Fprintln(conn, "OK")
			return
		}

	default:
		writeErr(conn, apperr.Newf(apperr.KindInvalidParam, "unknown command %s", command))
		return
	}

	if err != nil {
		writeErr(conn, err)
		return
	}
	res, jerr := json.Marshal(out)
	if jerr != nil {
		fmt.Fprintln(conn, "ERR", apperr.KindInternal, "internal error")
		return
	}
	fmt.Fprintln(conn, "OK", string(res))
}

// writeErr keeps the reply on one line.
func writeErr(conn net.Conn, err error) {
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		msg = e.Message
		if cause := e.Unwrap(); cause != nil {
			msg += ": " + cause.Error()
		}
	}
	msg = strings.ReplaceAll(msg, "\n", " ")
	fmt.Fprintln(conn, "ERR", apperr.KindOf(err), msg)
}
