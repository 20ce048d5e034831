package connector

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/statlink-project/statlink/internal/protocol"
)

const (
	websocketGUID      = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	websocketVersion   = "13"
	maxHandshakeHeader = 16 << 10
	handshakeReadChunk = 1024
)

var headerTerminator = []byte("\r\n\r\n")

// handshakeQuery holds the credentials carried in the upgrade request path.
type handshakeQuery struct {
	AccessKey string
	SecretKey string
	PlayerID  string
}

// path returns /socket.io/?EIO=4&transport=websocket followed by the
// credential parameters in key, secretKey, playerId order.
func (q handshakeQuery) path() string {
	var b strings.Builder
	b.WriteString(protocol.HandshakePathPrefix)
	if q.AccessKey != "" {
		b.WriteString("&key=")
		b.WriteString(url.QueryEscape(q.AccessKey))
	}
	if q.SecretKey != "" {
		b.WriteString("&secretKey=")
		b.WriteString(url.QueryEscape(q.SecretKey))
	}
	if q.PlayerID != "" {
		b.WriteString("&playerId=")
		b.WriteString(url.QueryEscape(q.PlayerID))
	}
	return b.String()
}

// buildUpgradeRequest renders the HTTP/1.1 upgrade request and returns it
// with the Sec-WebSocket-Key it carries.
func buildUpgradeRequest(host string, port int, q handshakeQuery) (string, string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generate websocket key: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", q.path())
	fmt.Fprintf(&b, "Host: %s\r\n", net.JoinHostPort(host, strconv.Itoa(port)))
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", websocketVersion)
	b.WriteString("\r\n")
	return b.String(), key, nil
}

// acceptKey computes the Sec-WebSocket-Accept value expected for key.
func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// performHandshake writes the upgrade request on conn and validates the
// response. Bytes received after the response header belong to the frame
// stream and are returned so the receive loop can start from them.
func performHandshake(conn net.Conn, host string, port int, q handshakeQuery, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, &HandshakeError{Stage: "deadline", Err: err}
		}
		defer conn.SetDeadline(time.Time{})
	}

	req, key, err := buildUpgradeRequest(host, port, q)
	if err != nil {
		return nil, &HandshakeError{Stage: "request", Err: err}
	}
	if _, err := io.WriteString(conn, req); err != nil {
		return nil, &HandshakeError{Stage: "write", Err: err}
	}

	head, rest, err := readResponseHeader(conn)
	if err != nil {
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return nil, &HandshakeError{Stage: "response", Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, &HandshakeError{Stage: "upgrade", Status: resp.Status}
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return nil, &HandshakeError{Stage: "upgrade", Status: resp.Status, Err: errors.New("missing websocket upgrade header")}
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != acceptKey(key) {
		return nil, &HandshakeError{Stage: "accept", Status: resp.Status, Err: fmt.Errorf("unexpected Sec-WebSocket-Accept %q", got)}
	}

	return rest, nil
}

// readResponseHeader reads until the blank line ending the HTTP header,
// never buffering more than maxHandshakeHeader bytes.
func readResponseHeader(r io.Reader) (head, rest []byte, err error) {
	var buf []byte
	chunk := make([]byte, handshakeReadChunk)

	for {
		n, readErr := r.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if i := bytes.Index(buf, headerTerminator); i >= 0 {
			end := i + len(headerTerminator)
			if end < len(buf) {
				rest = append([]byte(nil), buf[end:]...)
			}
			return buf[:end], rest, nil
		}
		if len(buf) > maxHandshakeHeader {
			return nil, nil, &HandshakeError{Stage: "response", Err: fmt.Errorf("header exceeds %d bytes", maxHandshakeHeader)}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if len(buf) == 0 {
					return nil, nil, &HandshakeError{Stage: "response", Err: errors.New("connection closed before any response")}
				}
				return nil, nil, &HandshakeError{Stage: "response", Err: errors.New("connection closed mid-header")}
			}
			return nil, nil, &HandshakeError{Stage: "response", Err: readErr}
		}
	}
}
