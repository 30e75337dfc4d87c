package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderMatchesSentinel(t *testing.T) {
	err := From(ErrDuplicateMessageID).Op("deliver").Peer("10.0.0.1:80").MessageID("m").Build()
	require.ErrorIs(t, err, ErrDuplicateMessageID)
	assert.NotErrorIs(t, err, ErrDuplicateReceiveRequest)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Contains(t, err.Error(), "duplicate_message_id")
	assert.Contains(t, err.Error(), "id=m")
}

func TestWrappedKeepsCodeAndCause(t *testing.T) {
	inner := From(ErrMalformedEnvelope).Cause(io.ErrUnexpectedEOF).Build()
	wrapped := fmt.Errorf("inbound: %w", inner)
	require.ErrorIs(t, wrapped, ErrMalformedEnvelope)
	require.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
	assert.Equal(t, CodeMalformedEnvelope, CodeOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestByCode(t *testing.T) {
	assert.Same(t, ErrPoolClosed, ByCode(CodePoolClosed))
	assert.Nil(t, ByCode("nope"))
}

func TestBuildDoesNotAlias(t *testing.T) {
	b := From(ErrTransport).Detail("status %d", 500)
	first := b.Build()
	b.Detail("other")
	assert.Equal(t, "status 500", first.Detail)
}
