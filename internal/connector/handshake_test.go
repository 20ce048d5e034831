package connector

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeQueryPath(t *testing.T) {
	tests := []struct {
		name string
		q    handshakeQuery
		want string
	}{
		{"bare", handshakeQuery{}, "/socket.io/?EIO=4&transport=websocket"},
		{"key only", handshakeQuery{AccessKey: "abc"}, "/socket.io/?EIO=4&transport=websocket&key=abc"},
		{
			"all params",
			handshakeQuery{AccessKey: "abc", SecretKey: "s e/c", PlayerID: "42"},
			"/socket.io/?EIO=4&transport=websocket&key=abc&secretKey=s+e%2Fc&playerId=42",
		},
		{"secret without key", handshakeQuery{SecretKey: "x"}, "/socket.io/?EIO=4&transport=websocket&secretKey=x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.q.path())
		})
	}
}

func TestAcceptKey(t *testing.T) {
	// Sample nonce from RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestBuildUpgradeRequest(t *testing.T) {
	req, key, err := buildUpgradeRequest("stats.example.com", 443, handshakeQuery{AccessKey: "k"})
	require.NoError(t, err)
	assert.Len(t, key, 24)

	parsed, err := http.ReadRequest(bufio.NewReader(stringsReader(req)))
	require.NoError(t, err)
	assert.Equal(t, "GET", parsed.Method)
	assert.Equal(t, "stats.example.com:443", parsed.Host)
	assert.Equal(t, "websocket", parsed.Header.Get("Upgrade"))
	assert.Equal(t, "Upgrade", parsed.Header.Get("Connection"))
	assert.Equal(t, key, parsed.Header.Get("Sec-WebSocket-Key"))
	assert.Equal(t, "13", parsed.Header.Get("Sec-WebSocket-Version"))
	assert.Equal(t, "k", parsed.URL.Query().Get("key"))
}

// fakeUpgradeServer reads one upgrade request from conn and answers with
// respond(key).
func fakeUpgradeServer(t *testing.T, conn net.Conn, respond func(key string) string) {
	t.Helper()
	go func() {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		resp := respond(req.Header.Get("Sec-WebSocket-Key"))
		if resp != "" {
			io.WriteString(conn, resp)
		}
		// Keep the pipe open until the client is done reading.
		time.Sleep(50 * time.Millisecond)
	}()
}

func switchingProtocols(accept string) string {
	return "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		fmt.Sprintf("Sec-WebSocket-Accept: %s\r\n", accept) +
		"\r\n"
}

func TestPerformHandshakeSuccessKeepsTrailingBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	trailing := "\x81\x012"
	fakeUpgradeServer(t, server, func(key string) string {
		return switchingProtocols(acceptKey(key)) + trailing
	})

	rest, err := performHandshake(client, "localhost", 80, handshakeQuery{AccessKey: "k"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte(trailing), rest)
}

func TestPerformHandshakeRejectsNon101(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	fakeUpgradeServer(t, server, func(string) string {
		return "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"
	})

	_, err := performHandshake(client, "localhost", 80, handshakeQuery{}, time.Second)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "upgrade", hsErr.Stage)
	assert.Equal(t, "403 Forbidden", hsErr.Status)
}

func TestPerformHandshakeRejectsBadAccept(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	fakeUpgradeServer(t, server, func(string) string {
		return switchingProtocols("bm90LXRoZS1yaWdodC1rZXk=")
	})

	_, err := performHandshake(client, "localhost", 80, handshakeQuery{}, time.Second)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "accept", hsErr.Stage)
}

func TestPerformHandshakeEOF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	fakeUpgradeServer(t, server, func(string) string { return "" })

	_, err := performHandshake(client, "localhost", 80, handshakeQuery{}, time.Second)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "response", hsErr.Stage)
}

func TestReadResponseHeaderLimit(t *testing.T) {
	huge := "HTTP/1.1 101 Switching Protocols\r\nX-Pad: " + string(make([]byte, maxHandshakeHeader+10))
	_, _, err := readResponseHeader(stringsReader(huge))
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Contains(t, hsErr.Error(), "exceeds")
}

func stringsReader(s string) io.Reader {
	return &chunkReader{data: []byte(s)}
}

// chunkReader returns at most 100 bytes per Read to exercise incremental reads.
type chunkReader struct {
	data []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := len(p)
	if n > 100 {
		n = 100
	}
	n = copy(p[:n], r.data)
	r.data = r.data[n:]
	return n, nil
}
