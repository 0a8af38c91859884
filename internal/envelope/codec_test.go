package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	agentAddr  = "a2ozsCBLHDmFG3uxU6fXckxr8b8Syjym2VPhckEURqy"
	clientAddr = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(0)
	require.NoError(t, err)
	return codec
}

func chatRequest(messageID, query string, amount float64) Envelope {
	return NewRequest(clientAddr, []string{agentAddr}, messageID, Content{
		Action:       ActionChatQuery,
		Parameters:   ChatQuery{Query: query, Context: &ChatContext{ConversationID: "new", Language: "en", ResponseStyle: "concise"}},
		Compensation: &Compensation{Amount: amount, Terms: TermsFixed},
	}, time.UnixMilli(1700000000000))
}

func TestEncodeDecodeChatRequest(t *testing.T) {
	codec := newTestCodec(t)
	req := chatRequest("chat_1", "what is a ledger?", 0.001)

	data, err := codec.Encode(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"messageType":"request"`)
	assert.Contains(t, string(data), `"timestamp":"1700000000000"`)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, req, *decoded)

	q, ok := decoded.Content.Parameters.(ChatQuery)
	require.True(t, ok)
	assert.Equal(t, "what is a ledger?", q.Query)
}

func TestEncodeRejectsOversizedEnvelope(t *testing.T) {
	codec := newTestCodec(t)
	req := chatRequest("chat_big", strings.Repeat("x", DefaultMaxSize), 0.001)

	_, err := codec.Encode(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncoding))
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	codec := newTestCodec(t)
	cases := map[string]string{
		"empty":           "",
		"plain text":      "hello agent",
		"truncated":       `{"version":"0.1.0","type":"aMess`,
		"array":           `[1,2,3]`,
		"wrong protocol":  `{"version":"0.1.0","type":"other","timestamp":"1","sender":"a","recipients":["b"],"messageType":"request","messageId":"m","content":{"action":"X","compensation":{"amount":1}}}`,
		"missing id":      `{"version":"0.1.0","type":"aMessage","timestamp":"1","sender":"a","recipients":["b"],"messageType":"request","content":{"action":"X","compensation":{"amount":1}}}`,
		"negative amount": `{"version":"0.1.0","type":"aMessage","timestamp":"1","sender":"a","recipients":["b"],"messageType":"request","messageId":"m","content":{"action":"X","compensation":{"amount":-1}}}`,
		"chat no query":   `{"version":"0.1.0","type":"aMessage","timestamp":"1","sender":"a","recipients":["b"],"messageType":"request","messageId":"m","content":{"action":"CHAT_QUERY","parameters":{},"compensation":{"amount":1}}}`,
		"response no ref": `{"version":"0.1.0","type":"aMessage","timestamp":"1","sender":"a","recipients":["b"],"messageType":"response","content":{"status":"completed"}}`,
		"bad type tag":    `{"version":"0.1.0","type":"aMessage","timestamp":"1","sender":"a","recipients":["b"],"messageType":"notice","content":{}}`,
		"bad params type": `{"version":"0.1.0","type":"aMessage","timestamp":"1","sender":"a","recipients":["b"],"messageType":"request","messageId":"m","content":{"action":"CHAT_QUERY","parameters":"oops","compensation":{"amount":1}}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := codec.Decode([]byte(payload))
			require.Error(t, err)
			assert.Nil(t, env)
			assert.True(t, errors.Is(err, ErrDecoding), "unexpected error: %v", err)
		})
	}
}

func TestDecodeKeepsUnknownActionParameters(t *testing.T) {
	codec := newTestCodec(t)
	payload := `{"version":"0.1.0","type":"aMessage","timestamp":"1","sender":"a","recipients":["b"],"messageType":"request","messageId":"m","content":{"action":"COMPUTE","parameters":{"expr":"1+1"},"compensation":{"amount":0.5}}}`

	env, err := codec.Decode([]byte(payload))
	require.NoError(t, err)
	raw, ok := env.Content.Parameters.(RawParameters)
	require.True(t, ok)

	var params struct {
		Expr string `json:"expr"`
	}
	require.NoError(t, raw.Decode(&params))
	assert.Equal(t, "1+1", params.Expr)
}

func TestReplyReferencesRequest(t *testing.T) {
	codec := newTestCodec(t)
	req := chatRequest("chat_9", "hi", 0.001)
	resp := Reply(&req, agentAddr, TypeResponse, Content{
		Action:   ActionChatResponse,
		Status:   StatusCompleted,
		Response: &ChatAnswer{Answer: "hello"},
	}, time.Now())

	assert.Equal(t, "chat_9", resp.ReferenceID)
	assert.Equal(t, []string{clientAddr}, resp.Recipients)
	assert.Empty(t, resp.MessageID)

	data, err := codec.Encode(resp)
	require.NoError(t, err)
	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, resp, *decoded)
}

func TestCodecRoundTripProperty(t *testing.T) {
	codec := newTestCodec(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(e)) == e, encode fails only above the limit", prop.ForAll(
		func(messageID, query string, amount float64, ts int64) bool {
			if messageID == "" || query == "" {
				return true
			}
			req := NewRequest(clientAddr, []string{agentAddr}, messageID, Content{
				Action:       ActionChatQuery,
				Parameters:   ChatQuery{Query: query},
				Compensation: &Compensation{Amount: amount, Terms: TermsFixed},
			}, time.UnixMilli(ts))

			raw, err := json.Marshal(req)
			if err != nil {
				return false
			}
			data, err := codec.Encode(req)
			if len(raw) > codec.MaxSize() {
				return errors.Is(err, ErrEncoding)
			}
			if err != nil {
				return false
			}
			decoded, err := codec.Decode(data)
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(req, *decoded)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Float64Range(0, 10),
		gen.Int64Range(0, 4102444800000),
	))

	properties.TestingRun(t)
}

func TestDecodeNeverPanicsProperty(t *testing.T) {
	codec := newTestCodec(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("decode returns an error instead of panicking", prop.ForAll(
		func(payload []byte) bool {
			env, err := codec.Decode(payload)
			return (env == nil) == (err != nil)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
