// Package sntp implements a minimal unicast SNTP client, enough to set
// the wall clock of a device whose NIC just came up. It speaks the
// 48-byte NTPv4 packet, asks one server at a time and retries with
// exponential backoff before moving on to the next server.
package sntp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ringlink/ringlink/config"
)

var (
	// ErrNoServers is returned when the client has no servers to ask.
	ErrNoServers = errors.New("no sntp servers configured")

	// ErrExhausted is returned when every server failed every attempt.
	ErrExhausted = errors.New("all sntp servers exhausted")
)

const (
	packetSize = 48

	// li 0, version 4, mode 3 (client)
	clientHeader = 4<<3 | 3

	// modeMask extracts the mode bits of the first header byte.
	modeMask   = 0x07
	modeServer = 4

	// transmitOffset is where the server's transmit timestamp lives.
	transmitOffset = 40

	// ntpEpochOffset converts NTP seconds (since 1900) to Unix seconds.
	ntpEpochOffset = 2208988800
)

// Client queries SNTP servers in order until one answers.
type Client struct {
	l *logrus.Logger

	servers []string
	timeout time.Duration
	retries int
}

// NewClient builds a client for the given servers. Servers are
// host:port; retries is per server, with the timeout doubling on each
// retry.
func NewClient(l *logrus.Logger, servers []string, timeout time.Duration, retries int) (*Client, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries <= 0 {
		retries = 3
	}
	return &Client{l: l, servers: servers, timeout: timeout, retries: retries}, nil
}

// NewClientFromConfig builds a client from the sntp section of the
// loaded configuration.
func NewClientFromConfig(l *logrus.Logger, c *config.C) (*Client, error) {
	return NewClient(
		l,
		c.GetStringSlice("sntp.servers", []string{"pool.ntp.org:123"}),
		c.GetDuration("sntp.timeout", 5*time.Second),
		c.GetInt("sntp.retries", 3),
	)
}

// Time asks the configured servers for the current time. Each server
// gets the full retry count before the next one is tried; the context
// aborts the whole exchange.
func (s *Client) Time(ctx context.Context) (time.Time, error) {
	var lastErr error
	for _, server := range s.servers {
		timeout := s.timeout
		for attempt := 0; attempt < s.retries; attempt++ {
			if err := ctx.Err(); err != nil {
				return time.Time{}, err
			}

			t, err := s.query(ctx, server, timeout)
			if err == nil {
				s.l.WithFields(logrus.Fields{
					"server":  server,
					"attempt": attempt + 1,
				}).Debug("SNTP time received")
				return t, nil
			}

			lastErr = err
			s.l.WithError(err).WithFields(logrus.Fields{
				"server":  server,
				"attempt": attempt + 1,
			}).Debug("SNTP query failed")
			timeout *= 2
		}
	}
	return time.Time{}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

func (s *Client) query(ctx context.Context, server string, timeout time.Duration) (time.Time, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.DialContext(dctx, "udp", server)
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()

	if err = conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return time.Time{}, err
	}

	var req [packetSize]byte
	req[0] = clientHeader
	if _, err = conn.Write(req[:]); err != nil {
		return time.Time{}, err
	}

	var resp [packetSize]byte
	n, err := conn.Read(resp[:])
	if err != nil {
		return time.Time{}, err
	}
	if n < packetSize {
		return time.Time{}, fmt.Errorf("short sntp response: %d bytes", n)
	}
	if resp[0]&modeMask != modeServer {
		return time.Time{}, fmt.Errorf("unexpected sntp mode: %d", resp[0]&modeMask)
	}

	secs := binary.BigEndian.Uint32(resp[transmitOffset:])
	frac := binary.BigEndian.Uint32(resp[transmitOffset+4:])
	if secs == 0 {
		return time.Time{}, errors.New("sntp server returned a zero timestamp")
	}

	nsec := uint64(frac) * uint64(time.Second) >> 32
	return time.Unix(int64(secs)-ntpEpochOffset, int64(nsec)), nil
}
