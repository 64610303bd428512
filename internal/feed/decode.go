// Package feed owns the upstream market-data stream: decoding the venue's
// binary tick packets, the streaming connection lifecycle, and fan-out of
// decoded ticks to downstream subscribers.
package feed

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/raj577/DeltaDeck/internal/models"
)

// Binary packet layout, offsets in bytes. The venue pads the instrument token
// with trailing NULs and quotes prices in paise.
const (
	minPacketLen = 51

	tokenStart = 2
	tokenEnd   = 27
	ltpStart   = 43
	ltpEnd     = 47
)

// Decode parses one upstream binary packet into a Tick. It fails closed:
// short packets and unrecognized instrument tokens yield nil, never an error.
// The feed is shared, so unknown tokens are expected noise rather than a
// fault.
func Decode(data []byte) *models.Tick {
	if len(data) < minPacketLen {
		return nil
	}

	token := strings.TrimRight(string(data[tokenStart:tokenEnd]), "\x00")
	in, ok := models.LookupToken(token)
	if !ok {
		return nil
	}

	paise := binary.LittleEndian.Uint32(data[ltpStart:ltpEnd])

	return &models.Tick{
		Symbol:     in.Symbol,
		Token:      in.Token,
		LTP:        float64(paise) / 100,
		ReceivedAt: time.Now(),
	}
}
