package coordinator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/sender"
	"github.com/snehjoshi/courier/internal/types"
)

// prepare returns the spec as it goes on the wire: compressed when the
// monitor advises it, then signed over the final bytes. s is not modified.
func (c *Coordinator) prepare(s *types.RequestSpec) (*types.RequestSpec, error) {
	out := s.Clone()
	if out.Headers == nil {
		out.Headers = make(map[string]string, 2)
	}

	if _, already := out.Headers["Content-Encoding"]; !already && c.mon.ShouldCompress(len(out.Payload.Body)) {
		z, err := sender.Compress(out.Payload.Body)
		if err != nil {
			c.log.Warn("compression failed, sending uncompressed",
				zap.String("request_id", s.ID), zap.Error(err))
		} else {
			out.Payload.Body = z
			out.Headers["Content-Encoding"] = sender.ContentEncodingGzip
		}
	}

	if c.cfg.SigningSecret != "" {
		sig, err := c.signer(out.Payload.Body, []byte(c.cfg.SigningSecret))
		if err != nil {
			return nil, fmt.Errorf("coordinator: sign %s: %w", s.ID, err)
		}
		out.Headers[sender.SignatureHeader] = sender.FormatSignature(sig)
	}
	return out, nil
}
