// Package knowledge 提供回答提问时可引用的静态资料。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 按问题检索资料片段。
type Provider interface {
	Query(question string) []Snippet
}

// Snippet 是一段可注入提示词的资料。Keywords 与 Tags 均为空时总会命中。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 在内存中按关键词匹配资料。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态资料库，maxResults 默认为 3。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// Load 读取 JSON 或 YAML 资料文件，格式由扩展名决定。
func Load(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("资料文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取资料文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		err = json.Unmarshal(content, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析资料文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Len 返回资料条数。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Query 实现 Provider。
func (p *StaticProvider) Query(question string) []Snippet {
	if p == nil {
		return nil
	}
	question = strings.ToLower(strings.TrimSpace(question))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !matches(item, question) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func matches(snippet Snippet, question string) bool {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return true
	}
	for _, group := range [][]string{snippet.Keywords, snippet.Tags} {
		for _, word := range group {
			word = strings.ToLower(strings.TrimSpace(word))
			if word != "" && strings.Contains(question, word) {
				return true
			}
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
