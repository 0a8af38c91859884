package agent

import (
	"context"
	"time"

	"AMessage-Chain/internal/dispatch"
	"AMessage-Chain/internal/envelope"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
)

// Responder 组装响应报文并提交到账本。
type Responder struct {
	address   string
	codec     *envelope.Codec
	submitter ledger.Submitter
	now       func() time.Time
}

// NewResponder 创建响应提交器。
func NewResponder(address string, codec *envelope.Codec, submitter ledger.Submitter) (*Responder, error) {
	if address == "" || codec == nil || submitter == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "响应提交器缺少地址、编解码器或提交器")
	}
	return &Responder{address: address, codec: codec, submitter: submitter, now: time.Now}, nil
}

// Compose 构造针对 req 的响应报文并编码，超过大小上限时依次裁剪可选内容。
func (r *Responder) Compose(req *envelope.Envelope, outcome dispatch.Outcome) (envelope.Envelope, []byte, error) {
	messageType := outcome.MessageType
	if messageType == "" {
		messageType = envelope.TypeResponse
	}
	reply := envelope.Reply(req, r.address, messageType, outcome.Content, r.now())
	payload, err := r.fit(&reply)
	if err != nil {
		return reply, nil, err
	}
	return reply, payload, nil
}

// Respond 组装并提交响应，返回响应交易签名。失败统一为 SUBMISSION_ERROR。
func (r *Responder) Respond(ctx context.Context, req *envelope.Envelope, outcome dispatch.Outcome) (string, error) {
	_, payload, err := r.Compose(req, outcome)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSubmission, err, "响应报文编码失败")
	}
	sig, err := r.submitter.Submit(ctx, ledger.Submission{Payload: payload, To: req.Sender})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSubmission, err, "提交响应失败")
	}
	return sig, nil
}

// fit 依次尝试：原样编码、去掉 metadata、按字符裁剪回答或错误详情。
func (r *Responder) fit(env *envelope.Envelope) ([]byte, error) {
	payload, err := r.codec.Encode(*env)
	if err == nil || !envelope.IsOversize(err) {
		return payload, err
	}

	content := &env.Content
	if content.Metadata != nil {
		content.Metadata = nil
		if payload, err = r.codec.Encode(*env); err == nil || !envelope.IsOversize(err) {
			return payload, err
		}
	}

	switch {
	case content.Response != nil:
		answer := *content.Response
		content.Response = &answer
		return r.trim(env, &answer.Answer)
	case content.Error != nil:
		detail := *content.Error
		content.Error = &detail
		if payload, err := r.trim(env, &detail.Details); err == nil {
			return payload, nil
		}
		detail.Details = ""
		return r.codec.Encode(*env)
	}
	return nil, err
}

// trim 二分查找 field 能保留的最长前缀（按 rune 计）。
func (r *Responder) trim(env *envelope.Envelope, field *string) ([]byte, error) {
	runes := []rune(*field)
	lo, hi := 0, len(runes)
	var best []byte
	bestLen := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		*field = string(runes[:mid])
		payload, err := r.codec.Encode(*env)
		switch {
		case err == nil:
			best, bestLen = payload, mid
			lo = mid + 1
		case envelope.IsOversize(err):
			hi = mid - 1
		default:
			return nil, err
		}
	}
	if bestLen < 0 {
		*field = ""
		return nil, xerrors.New(xerrors.CodeEncoding, "响应报文在裁剪后仍超过大小上限")
	}
	*field = string(runes[:bestLen])
	return best, nil
}
