// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/errs"
)

// Client speaks the control protocol over one unix-socket connection.
// It is not safe for concurrent use; open one client per goroutine.
type Client struct {
	conn net.Conn
}

// Dial connects to a control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing control socket %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and decodes the terminal response into out
// (skipped when out is nil). Commands that stream must use Stream; a
// stray More frame here is a protocol error.
func (c *Client) Do(request any, out any) error {
	return c.exchange(request, nil, out)
}

// Stream sends one request and delivers each More frame's payload to
// each before decoding the terminal response into out. A non-nil
// error from each abandons the connection mid-stream; the client is
// unusable afterwards.
func (c *Client) Stream(request any, each func(data []byte) error, out any) error {
	if each == nil {
		return fmt.Errorf("stream requires a frame callback")
	}
	return c.exchange(request, each, out)
}

func (c *Client) exchange(request any, each func(data []byte) error, out any) error {
	if err := writeFrame(c.conn, request); err != nil {
		return err
	}

	for {
		raw, err := readFrame(c.conn)
		if err != nil {
			return fmt.Errorf("reading response frame: %w", err)
		}
		var response Response
		if err := codec.Unmarshal(raw, &response); err != nil {
			return fmt.Errorf("decoding response frame: %w", err)
		}

		if response.More {
			if each == nil {
				return fmt.Errorf("unexpected stream frame for non-streaming command")
			}
			if err := each(response.Data); err != nil {
				c.conn.Close()
				return err
			}
			continue
		}

		if !response.OK {
			if response.Code != "" {
				return errs.New(response.Code, "%s", response.Error)
			}
			return errors.New(response.Error)
		}
		if out != nil && len(response.Data) > 0 {
			if err := codec.Unmarshal(response.Data, out); err != nil {
				return fmt.Errorf("decoding response data: %w", err)
			}
		}
		return nil
	}
}
