package feishu

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTextContent(t *testing.T) {
	mentions := map[string]string{"@_user_1": "RelayBot"}
	got := parseTextContent(`{"text":"@_user_1 what is AI?"}`, mentions)
	assert.Equal(t, "@RelayBot what is AI?", got)

	assert.Empty(t, parseTextContent(`not json`, nil))
}

func TestParseImageContent(t *testing.T) {
	assert.Equal(t, []string{"img_v2_abc"}, parseImageContent(`{"image_key":"img_v2_abc"}`))
	assert.Nil(t, parseImageContent(`{}`))
}

func TestParsePostContent(t *testing.T) {
	content := `{"title":"Weekly","content":[[{"tag":"at","user_id":"@_user_1"},{"tag":"text","text":" summary please"}],[{"tag":"img","image_key":"img_1"}]]}`
	text, images := parsePostContent(content, map[string]string{"@_user_1": "RelayBot"})

	assert.Equal(t, "Weekly\n@RelayBot summary please", text)
	assert.Equal(t, []string{"img_1"}, images)
}

func TestAPIErrorRateLimited(t *testing.T) {
	assert.True(t, (&APIError{Code: CodeRateLimited}).RateLimited())
	assert.True(t, (&APIError{Code: 1, Status: http.StatusTooManyRequests}).RateLimited())
	assert.False(t, (&APIError{Code: 230001, Status: http.StatusBadRequest}).RateLimited())

	wrapped := fmt.Errorf("reply: %w", &APIError{Op: "reply message", Code: CodeRateLimited})
	assert.True(t, IsRateLimited(wrapped))
	assert.False(t, IsRateLimited(fmt.Errorf("dial tcp: timeout")))
}
