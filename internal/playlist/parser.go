package playlist

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/hlsget/hlsget/internal/domain"
)

// ErrParse indicates a structurally malformed playlist document
var ErrParse = errors.New("playlist parse error")

// ErrUnsupportedFeature indicates a directive we have no handling for
var ErrUnsupportedFeature = errors.New("unsupported playlist feature")

// Playlist is the parsed form of one manifest. For master playlists only
// Variant is set and the caller is expected to fetch and parse it; for
// media playlists Segments carries the full ordered segment list.
type Playlist struct {
	Master  bool
	Variant *url.URL

	Segments       []*domain.SegmentDescriptor
	TargetDuration float64
	MediaSequence  uint64
}

// TotalDuration sums the declared segment durations.
func (p *Playlist) TotalDuration() float64 {
	var total float64
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse turns a playlist document into ordered segment descriptors. It is a
// pure transform: relative URIs are resolved against base but nothing is
// fetched. Master playlists resolve to the highest-bandwidth variant.
func (p *Parser) Parse(r io.Reader, base *url.URL) (*Playlist, error) {
	decoded, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch listType {
	case m3u8.MASTER:
		return p.parseMaster(decoded.(*m3u8.MasterPlaylist), base)
	case m3u8.MEDIA:
		return p.parseMedia(decoded.(*m3u8.MediaPlaylist), base)
	default:
		return nil, fmt.Errorf("%w: unknown playlist type", ErrParse)
	}
}

func (p *Parser) parseMaster(master *m3u8.MasterPlaylist, base *url.URL) (*Playlist, error) {
	if len(master.Variants) == 0 {
		return nil, fmt.Errorf("%w: master playlist has no variants", ErrParse)
	}

	// Highest bandwidth wins; ties keep playlist order
	best := master.Variants[0]
	for _, v := range master.Variants[1:] {
		if v != nil && v.Bandwidth > best.Bandwidth {
			best = v
		}
	}

	variant, err := resolve(base, best.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: variant URI %q: %v", ErrParse, best.URI, err)
	}

	return &Playlist{Master: true, Variant: variant}, nil
}

func (p *Parser) parseMedia(media *m3u8.MediaPlaylist, base *url.URL) (*Playlist, error) {
	out := &Playlist{
		TargetDuration: media.TargetDuration,
		MediaSequence:  media.SeqNo,
	}

	// Playlist-level key applies to every following segment until overridden
	currentKey := media.Key

	index := 0
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}

		if seg.Key != nil {
			currentKey = seg.Key
		}

		segURL, err := resolve(base, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: segment URI %q: %v", ErrParse, seg.URI, err)
		}

		desc := &domain.SegmentDescriptor{
			Index:    index,
			URL:      segURL.String(),
			Host:     segURL.Host,
			Duration: seg.Duration,
			Status:   domain.SegmentPending,
		}

		if seg.Limit > 0 {
			desc.Range = &domain.ByteRange{Offset: seg.Offset, Length: seg.Limit}
		}

		key, err := segmentKey(currentKey, base, media.SeqNo+uint64(index))
		if err != nil {
			return nil, err
		}
		desc.Key = key

		out.Segments = append(out.Segments, desc)
		index++
	}

	if len(out.Segments) == 0 {
		return nil, fmt.Errorf("%w: media playlist has no segments", ErrParse)
	}

	return out, nil
}

// segmentKey maps an EXT-X-KEY onto the descriptor, deriving the IV from
// the media sequence number when the playlist does not declare one.
func segmentKey(key *m3u8.Key, base *url.URL, sequence uint64) (*domain.SegmentKey, error) {
	if key == nil || key.Method == "" || key.Method == "NONE" {
		return nil, nil
	}

	if key.Method != "AES-128" {
		return nil, fmt.Errorf("%w: key method %s", ErrUnsupportedFeature, key.Method)
	}

	keyURL, err := resolve(base, key.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: key URI %q: %v", ErrParse, key.URI, err)
	}

	var iv []byte
	if key.IV != "" {
		iv, err = hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(key.IV, "0x"), "0X"))
		if err != nil || len(iv) != 16 {
			return nil, fmt.Errorf("%w: bad key IV %q", ErrParse, key.IV)
		}
	} else {
		// RFC 8216: without an explicit IV, use the big-endian sequence number
		iv = make([]byte, 16)
		binary.BigEndian.PutUint64(iv[8:], sequence)
	}

	return &domain.SegmentKey{URL: keyURL.String(), IV: iv}, nil
}

func resolve(base *url.URL, uri string) (*url.URL, error) {
	ref, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if base == nil {
		if !ref.IsAbs() {
			return nil, errors.New("relative URI without base URL")
		}
		return ref, nil
	}
	return base.ResolveReference(ref), nil
}
