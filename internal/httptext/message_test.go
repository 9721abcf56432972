package httptext

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC)

func TestBuildRequestGET(t *testing.T) {
	raw := BuildRequest("get", "/index.html", "localhost", "", fixedNow)

	want := "GET /index.html HTTP/1.0\r\n" +
		"Host: localhost\r\n" +
		"Date: Tue, 05 Mar 2024 14:07:09 GMT\r\n" +
		"User-Agent: CustomUDPClient/1.0\r\n" +
		"Accept: */*\r\n" +
		"Connection: close\r\n" +
		"\r\n"
	assert.Equal(t, want, raw)
}

func TestRequestRoundTrip(t *testing.T) {
	body := "héllo\r\nworld"
	raw := BuildRequest("POST", "/", "localhost", body, fixedNow)
	assert.Contains(t, raw, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.Contains(t, raw, "Content-Length: 13\r\n")

	req, err := ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/", req.Path)
	assert.Equal(t, "HTTP/1.0", req.Proto)
	assert.Equal(t, "localhost", req.Headers.Get("Host"))
	assert.Equal(t, ClientAgent, req.Headers.Get("User-Agent"))
	assert.Equal(t, body, req.Body)
}

func TestParseRequestGET(t *testing.T) {
	req, err := ParseRequest(BuildRequest("GET", "/docs/a.txt", "localhost", "", fixedNow))
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/docs/a.txt", req.Path)
	assert.Empty(t, req.Body)
}

func TestParseRequestKeepsHost(t *testing.T) {
	req, err := ParseRequest(BuildRequest("GET", "/a.txt", "example.test", "", fixedNow))
	require.NoError(t, err)
	if req.Host != "example.test" {
		t.Errorf("Host 字段丢失: %q", req.Host)
	}
	assert.Equal(t, "example.test", req.Headers.Get("Host"), "Host 头应保留在 Headers 中")
}

func TestParseRequestMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"garbage",
		"GET\r\n\r\n",
		"GET / HTTP/1.0\r\nbad header line\r\n\r\n",
	} {
		_, err := ParseRequest(raw)
		assert.Error(t, err, "%q", raw)
	}
}

func TestBuildResponse(t *testing.T) {
	raw := BuildResponse(404, "File not found.", "", fixedNow)

	assert.True(t, strings.HasPrefix(raw, "HTTP/1.0 404 Not Found\r\n"))
	assert.Contains(t, raw, "Server: CustomUDPServer/1.0\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.Contains(t, raw, "Content-Length: 15\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nFile not found."))
}

func TestReasonPhrase(t *testing.T) {
	assert.Equal(t, "OK", ReasonPhrase(200))
	assert.Equal(t, "Bad Request", ReasonPhrase(400))
	assert.Equal(t, "Not Found", ReasonPhrase(404))
	assert.Equal(t, "Payload Too Large", ReasonPhrase(413))
	assert.Equal(t, "Unknown", ReasonPhrase(500))
}

func TestResponseRoundTrip(t *testing.T) {
	body := "<html><body>hi</body></html>"
	resp, err := ParseResponse(BuildResponse(200, body, "text/html", fixedNow))
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, "text/html", resp.ContentType)
	assert.Equal(t, ServerAgent, resp.Headers.Get("Server"))
	assert.Equal(t, body, resp.Body)
}

func TestParseResponseMalformed(t *testing.T) {
	_, err := ParseResponse("not a response")
	assert.Error(t, err)
}
