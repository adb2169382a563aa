package tests

import (
	"encoding/json"
	"testing"

	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/test"
)

type EnvelopeSuite struct {
	*test.Suite
}

func TestEnvelopeSuite(t *testing.T) {
	test.Run(t, &EnvelopeSuite{Suite: test.NewSuite()})
}

func (s *EnvelopeSuite) TestNewAndEncodeRoundTrip() {
	env, err := envelope.New(envelope.KindText, map[string]string{"text": "hi"})
	s.Require().NoError(err)

	raw, err := envelope.Encode(env)
	s.Require().NoError(err)

	decoded, err := envelope.DecodeBytes(raw)
	s.Require().NoError(err)
	s.Equal(envelope.KindText, decoded.Kind)
	s.JSONEq(`{"text":"hi"}`, string(decoded.Payload))
}

func (s *EnvelopeSuite) TestIsRequestForFrameworkKinds() {
	kinds := []string{
		envelope.KindPing,
		envelope.KindStopRequest,
		envelope.KindStartComponentRequest,
		envelope.KindStopComponentRequest,
		envelope.KindConnectRequest,
	}
	for _, k := range kinds {
		s.True(envelope.Envelope{Kind: k}.IsRequest(), "expected %q to be a request kind", k)
	}
}

func (s *EnvelopeSuite) TestIsRequestBySuffixConvention() {
	s.True(envelope.Envelope{Kind: "echo_request"}.IsRequest())
}

func (s *EnvelopeSuite) TestIsRequestFalseForReplyKinds() {
	kinds := []string{envelope.KindPong, envelope.KindSuccess, envelope.KindIgnore, envelope.KindText}
	for _, k := range kinds {
		s.False(envelope.Envelope{Kind: k}.IsRequest(), "expected %q not to be a request kind", k)
	}
}

func (s *EnvelopeSuite) TestRegistryDecodesSeededKinds() {
	r := envelope.NewRegistry()
	env, err := envelope.New(envelope.KindPing, map[string]string{"from": "x"})
	s.Require().NoError(err)

	v, err := r.Decode(env)
	s.Require().NoError(err)
	m, ok := v.(map[string]interface{})
	s.Require().True(ok)
	s.Equal("x", m["from"])
}

func (s *EnvelopeSuite) TestRegistryUnknownKindErrors() {
	r := envelope.NewRegistry()
	_, err := r.Decode(envelope.Envelope{Kind: "nonsense_kind"})
	s.Error(err)
}

func (s *EnvelopeSuite) TestRegistryRegisterOverridesDecoder() {
	type payload struct {
		Text string `json:"text"`
	}
	r := envelope.NewRegistry()
	r.Register(envelope.KindText, func(raw json.RawMessage) (interface{}, error) {
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	})

	env, err := envelope.New(envelope.KindText, payload{Text: "hi"})
	s.Require().NoError(err)

	v, err := r.Decode(env)
	s.Require().NoError(err)
	p, ok := v.(payload)
	s.Require().True(ok)
	s.Equal("hi", p.Text)
}

func (s *EnvelopeSuite) TestIgnoreRequestIDSentinel() {
	s.EqualValues(-1, envelope.IgnoreRequestID)
}
