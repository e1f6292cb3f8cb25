// Package sdk provides the client-side library for the modgate control
// socket. Operator tooling uses it to list and edit the group-module
// mapping of a running daemon.
package sdk

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/logger"
	"github.com/icebiz/modgate/pkg/schema"
)

const maxAttempts = 3

// Client is a remote client for the modgate daemon. It implements Admin.
type Client struct {
	addr   string
	useTLS bool
	log    *logger.Logger

	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects concurrent access to the connection
}

// Options tune Connect.
type Options struct {
	// DisableTLS dials plain TCP. The daemon must run with TLS disabled too.
	DisableTLS bool
	Logger     *logger.Logger
}

// Connect establishes a TLS-encrypted connection to a modgate daemon.
// If MODGATE_DISABLE_TLS is true, it falls back to plain TCP.
func Connect(addr string) (*Client, error) {
	disable, _ := strconv.ParseBool(os.Getenv("MODGATE_DISABLE_TLS"))
	return ConnectWith(addr, Options{DisableTLS: disable})
}

// ConnectWith connects using explicit options.
func ConnectWith(addr string, opts Options) (*Client, error) {
	c := &Client{
		addr:   addr,
		useTLS: !opts.DisableTLS,
		log:    logger.OrNop(opts.Logger).WithComponent("sdk"),
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var conn net.Conn
	var err error

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	if c.useTLS {
		config := &tls.Config{
			InsecureSkipVerify: true, // The daemon uses a self-signed certificate
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}

	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// sendAndReceive sends one command line and returns the payload after "OK".
// Transport failures are retried with backoff; ERR replies are not.
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	var resp string

	for i := 0; i < maxAttempts; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		c.conn.SetDeadline(time.Now().Add(30 * time.Second))

		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				return parseReply(strings.TrimSpace(resp))
			}
		}

		c.log.Warnf("control socket request failed; reconnecting", map[string]interface{}{
			"attempt": i + 1,
			"error":   err.Error(),
		})

		// Force a reconnect on the next iteration
		if closeErr := c.reconnect(); closeErr != nil {
			c.log.WithError(closeErr).Warn("reconnect attempt failed")
		}

		// Wait before retrying (exponential backoff)
		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after %d attempts. last error: %v", maxAttempts, err)
}

// parseReply turns "ERR <KIND> <message>" into an *apperr.Error, so callers
// can use errors.Is with the sentinels.
func parseReply(resp string) (string, error) {
	if rest, ok := strings.CutPrefix(resp, "ERR"); ok {
		kind, msg, _ := strings.Cut(strings.TrimSpace(rest), " ")
		return "", apperr.New(apperr.Kind(kind), msg)
	}
	if resp == "OK" || resp == "PONG" {
		return "", nil
	}
	if payload, ok := strings.CutPrefix(resp, "OK "); ok {
		return payload, nil
	}
	return "", fmt.Errorf("unexpected reply %q", resp)
}

func (c *Client) call(cmd string, out any) error {
	payload, err := c.sendAndReceive(cmd)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(payload), out)
}

func (c *Client) Ping() error {
	_, err := c.sendAndReceive("PING")
	return err
}

func (c *Client) ListModules() (schema.Listing, error) {
	var listing schema.Listing
	err := c.call("LIST", &listing)
	return listing, err
}

func (c *Client) Seq() (uint64, error) {
	var seq uint64
	err := c.call("SEQ", &seq)
	return seq, err
}

func (c *Client) Status() (schema.Status, error) {
	var status schema.Status
	err := c.call("STATUS", &status)
	return status, err
}

func (c *Client) UpdateGroupModules(group string, modules map[string]bool) (schema.UpdateResult, error) {
	payload, err := json.Marshal(struct {
		Group   string          `json:"group"`
		Modules map[string]bool `json:"modules"`
	}{group, modules})
	if err != nil {
		return schema.UpdateResult{}, err
	}
	var res schema.UpdateResult
	err = c.call("UPDATE "+string(payload), &res)
	return res, err
}

func (c *Client) DeleteGroup(group string) (schema.UpdateResult, error) {
	if strings.ContainsAny(group, "\r\n") {
		return schema.UpdateResult{}, apperr.New(apperr.KindInvalidParam, "group name may not contain line breaks")
	}
	var res schema.UpdateResult
	err := c.call("DELETE_GROUP "+group, &res)
	return res, err
}

func (c *Client) Reconcile() (schema.ReconcileResult, error) {
	var res schema.ReconcileResult
	err := c.call("RECONCILE", &res)
	return res, err
}

func (c *Client) Flush() error {
	return c.call("FLUSH", nil)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}
