// =============================================================================
// 文件: internal/handler/file_handler.go
// 描述: 文件处理器 - GET 读取根目录下的文件，POST 包装成 HTML 页面保存
// =============================================================================
package handler

import (
	"fmt"
	"html"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/rudp/internal/httptext"
	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/transport"
)

// postPage POST 内容的 HTML 模板
const postPage = `<!DOCTYPE html>
<html>
<head>
    <title>POST Response</title>
</head>
<body>
    <h1>Data Received</h1>
    <p>%s</p>
</body>
</html>`

// FileHandler 文件处理器
type FileHandler struct {
	Root       string
	PostOutput string

	// 响应上限，必须装进一个数据帧
	MaxResponse int

	Now func() time.Time
	Log logrus.FieldLogger
}

// NewFileHandler 创建文件处理器
func NewFileHandler(root, postOutput string, logger logrus.FieldLogger) *FileHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &FileHandler{
		Root:        root,
		PostOutput:  postOutput,
		MaxResponse: transport.ARQMaxPayloadSize,
		Now:         time.Now,
		Log:         logger.WithField("component", "handler"),
	}
}

// Handle 处理一条原始请求，返回响应文本与状态码
func (h *FileHandler) Handle(raw string) (string, int) {
	req, err := httptext.ParseRequest(raw)
	if err != nil {
		h.Log.WithError(err).Debug("无法解析的请求")
		return h.respond(http.StatusBadRequest, "Bad Request.", "")
	}

	switch req.Method {
	case http.MethodGet:
		return h.handleGet(req)
	case http.MethodPost:
		return h.handlePost(req)
	}
	return h.respond(http.StatusBadRequest, "Bad Request.", "")
}

func (h *FileHandler) handleGet(req *httptext.Request) (string, int) {
	file, ok := h.resolve(req.Path)
	if !ok {
		return h.respond(http.StatusNotFound, "File not found.", "")
	}

	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		return h.respond(http.StatusNotFound, "File not found.", "")
	}

	content, err := os.ReadFile(file)
	if err != nil {
		h.Log.WithError(err).Warnf("读取 %s 失败", file)
		return h.respond(http.StatusNotFound, "File not found.", "")
	}

	contentType := "text/plain"
	if strings.HasSuffix(file, ".html") {
		contentType = "text/html"
	}

	h.Log.WithField("path", req.Path).Debug("GET")
	return h.respond(http.StatusOK, string(content), contentType)
}

func (h *FileHandler) handlePost(req *httptext.Request) (string, int) {
	page := fmt.Sprintf(postPage, html.EscapeString(req.Body))

	if h.PostOutput != "" {
		if err := os.WriteFile(h.PostOutput, []byte(page), 0644); err != nil {
			h.Log.WithError(err).Warnf("写入 %s 失败", h.PostOutput)
		}
	}

	h.Log.WithField("bytes", len(req.Body)).Debug("POST")
	return h.respond(http.StatusOK, page, "text/html")
}

// resolve 把请求路径映射到根目录内，越界返回 false
func (h *FileHandler) resolve(reqPath string) (string, bool) {
	clean := path.Clean("/" + reqPath)
	if clean == "/" {
		return "", false
	}

	root, err := filepath.Abs(h.Root)
	if err != nil {
		return "", false
	}
	file := filepath.Join(root, filepath.FromSlash(clean))

	rel, err := filepath.Rel(root, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return file, true
}

func (h *FileHandler) respond(status int, body, contentType string) (string, int) {
	resp := httptext.BuildResponse(status, body, contentType, h.Now())
	if h.MaxResponse > 0 && len(resp) > h.MaxResponse {
		status = http.StatusRequestEntityTooLarge
		resp = httptext.BuildResponse(status, "Response too large.", "", h.Now())
	}
	return resp, status
}
