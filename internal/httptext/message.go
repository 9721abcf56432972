// =============================================================================
// 文件: internal/httptext/message.go
// 描述: 类 HTTP/1.0 文本消息 - 请求/响应的构造与解析
//       每条消息作为一个 ARQ 数据帧传输
// =============================================================================
package httptext

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	ClientAgent = "CustomUDPClient/1.0"
	ServerAgent = "CustomUDPServer/1.0"

	// 消息头日期格式 (RFC 1123, GMT)
	dateLayout = http.TimeFormat
)

// Request 解析后的请求
type Request struct {
	Method  string
	Path    string
	Proto   string
	Host    string
	Headers http.Header
	Body    string
}

// Response 解析后的响应
type Response struct {
	StatusCode  int
	Reason      string
	Headers     http.Header
	Body        string
	ContentType string
}

// BuildRequest 构造请求，POST 附带 Content-Type 与 Content-Length
func BuildRequest(method, path, host, body string, now time.Time) string {
	method = strings.ToUpper(method)
	lines := []string{
		fmt.Sprintf("%s %s HTTP/1.0", method, path),
		"Host: " + host,
		"Date: " + now.UTC().Format(dateLayout),
		"User-Agent: " + ClientAgent,
		"Accept: */*",
		"Connection: close",
	}
	if method == http.MethodPost {
		lines = append(lines,
			"Content-Type: text/plain; charset=utf-8",
			"Content-Length: "+strconv.Itoa(len(body)),
		)
	}
	lines = append(lines, "", body)
	return strings.Join(lines, "\r\n")
}

// ParseRequest 解析请求
func ParseRequest(raw string) (*Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("解析请求失败: %w", err)
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("读取请求体失败: %w", err)
	}

	// ReadRequest 把 Host 从 Header 移到 req.Host，这里放回去
	if req.Host != "" {
		req.Header.Set("Host", req.Host)
	}

	return &Request{
		Method:  req.Method,
		Path:    req.URL.Path,
		Proto:   req.Proto,
		Host:    req.Host,
		Headers: req.Header,
		Body:    string(body),
	}, nil
}

// ReasonPhrase 状态码说明
func ReasonPhrase(status int) string {
	switch status {
	case http.StatusOK:
		return "OK"
	case http.StatusBadRequest:
		return "Bad Request"
	case http.StatusNotFound:
		return "Not Found"
	case http.StatusRequestEntityTooLarge:
		return "Payload Too Large"
	}
	return "Unknown"
}

// BuildResponse 构造响应
func BuildResponse(status int, body, contentType string, now time.Time) string {
	if contentType == "" {
		contentType = "text/plain"
	}
	lines := []string{
		fmt.Sprintf("HTTP/1.0 %d %s", status, ReasonPhrase(status)),
		"Date: " + now.UTC().Format(dateLayout),
		"Server: " + ServerAgent,
		"Content-Type: " + contentType + "; charset=utf-8",
		"Content-Length: " + strconv.Itoa(len(body)),
		"Connection: close",
		"",
		body,
	}
	return strings.Join(lines, "\r\n")
}

// ParseResponse 解析响应
func ParseResponse(raw string) (*Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))

	return &Response{
		StatusCode:  resp.StatusCode,
		Reason:      reason,
		Headers:     resp.Header,
		Body:        string(body),
		ContentType: contentType,
	}, nil
}
