package client

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
)

// TCPClient is a Client over a raw TCP socket carrying newline-delimited
// JSON envelopes. Frames that arrive split across reads are recovered by
// the shared recombine buffer.
type TCPClient struct {
	*conn
	sock    net.Conn
	writeMu sync.Mutex
}

// NewTCP wraps an accepted TCP connection and starts its read loop.
func NewTCP(sock net.Conn, timing config.Timing, log *slog.Logger) *TCPClient {
	c := &TCPClient{sock: sock}
	c.conn = newConn(c, timing, log)

	go c.readLoop()
	c.startHeartbeat()
	return c
}

func (c *TCPClient) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	_, err = c.sock.Write(raw)
	return err
}

func (c *TCPClient) close() {
	c.sock.Close()
}

func (c *TCPClient) readLoop() {
	defer c.kill()
	scanner := bufio.NewScanner(c.sock)
	scanner.Buffer(make([]byte, 4096), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunk := make([]byte, len(line))
		copy(chunk, line)
		c.handleRaw(chunk)
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("tcp read error", "err", err)
	}
}
