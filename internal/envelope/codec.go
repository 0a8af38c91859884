package envelope

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	xerrors "AMessage-Chain/internal/errors"
)

//go:embed schema.json
var schemaDocument string

const schemaURL = "https://amessage.local/schemas/envelope.schema.json"

var (
	// ErrEncoding 在报文无法编码或超过大小上限时返回。
	ErrEncoding = xerrors.New(xerrors.CodeEncoding, "")
	// ErrDecoding 在载荷不是合法的协议报文时返回。
	ErrDecoding = xerrors.New(xerrors.CodeDecoding, "")

	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader([]byte(schemaDocument))); err != nil {
			schemaErr = fmt.Errorf("加载报文 schema 失败: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("编译报文 schema 失败: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Codec 负责报文与传输载荷之间的转换。
type Codec struct {
	maxSize int
	schema  *jsonschema.Schema
}

// NewCodec 创建编解码器，maxSize 小于等于 0 时使用 DefaultMaxSize。
func NewCodec(maxSize int) (*Codec, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化报文编解码器失败")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Codec{maxSize: maxSize, schema: schema}, nil
}

// MaxSize 返回允许的最大载荷字节数。
func (c *Codec) MaxSize() int {
	return c.maxSize
}

// Encode 序列化报文。超过大小上限时返回 ErrEncoding，不会截断。
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncoding, err, "报文结构不合法")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncoding, err, "序列化报文失败")
	}
	if len(data) > c.maxSize {
		return nil, xerrors.New(xerrors.CodeEncoding,
			fmt.Sprintf("报文大小 %d 字节超过上限 %d 字节", len(data), c.maxSize),
			xerrors.WithMetadata("size", fmt.Sprint(len(data))))
	}
	return data, nil
}

// Decode 解析载荷。任何畸形输入都只会返回 ErrDecoding。
func (c *Codec) Decode(payload []byte) (env *Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env = nil
			err = xerrors.New(xerrors.CodeDecoding, fmt.Sprintf("解析报文时发生异常: %v", r))
		}
	}()

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, xerrors.New(xerrors.CodeDecoding, "载荷不是 JSON 对象")
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecoding, err, "载荷不是合法 JSON")
	}
	if err := c.schema.Validate(generic); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecoding, err, "报文不符合 schema")
	}

	var out Envelope
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecoding, err, "解析报文失败")
	}
	if err := out.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecoding, err, "报文内容不合法")
	}
	return &out, nil
}

// IsOversize 判断编码失败是否仅因为超过大小上限，此时调用方可以裁剪内容后重试。
func IsOversize(err error) bool {
	e, ok := xerrors.From(err)
	return ok && e.Code() == xerrors.CodeEncoding && e.Metadata()["size"] != ""
}
