package manifest

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/bluenviron/gohlslib/v2/pkg/playlist/primitives"

	"github.com/jmylchreest/abrcore/internal/codec"
	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/urlutil"
)

// hlsTimescale is the timescale of every HLS representation (microseconds).
const hlsTimescale = 1_000_000

const (
	keyFormatWidevine  = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	keyMethodSampleCTR = "SAMPLE-AES-CTR"
)

// hlsFormat parses multivariant and media playlists. Media playlists of a
// multivariant playlist are downloaded lazily by prepare.
type hlsFormat struct{}

func (hlsFormat) kind() Format { return FormatHLS }

func (f *hlsFormat) parse(t *Tree, body []byte, manifestURL string) (*document, error) {
	normalized, keys := normalizeKeyTags(body)
	pl, err := playlist.Unmarshal(normalized)
	if err != nil {
		return nil, manifestErrorf("decoding playlist: %v", err)
	}

	doc := &document{}
	p := NewPeriod()
	p.BaseURL = urlutil.BaseURL(manifestURL)

	switch pl := pl.(type) {
	case *playlist.Multivariant:
		f.parseMultivariant(t, p, pl, manifestURL)

	case *playlist.Media:
		a := &AdaptationSet{Type: StreamVideoAudio, Timescale: hlsTimescale}
		r := newHLSRepresentation("0", manifestURL)
		a.Representations = []*Representation{r}
		p.AdaptationSets = []*AdaptationSet{a}
		res, err := applyMedia(p, a, r, pl, keys, manifestURL)
		if err != nil {
			return nil, err
		}
		doc.live = res.live
		doc.updateInterval = res.updateInterval
		doc.totalTime = res.duration
	}

	if len(p.AdaptationSets) > 0 {
		doc.periods = []*Period{p}
	}
	return doc, nil
}

func newHLSRepresentation(id, source string) *Representation {
	r := NewRepresentation()
	r.ID = id
	r.SourceURL = source
	r.BaseURL = urlutil.BaseURL(source)
	r.Timescale = hlsTimescale
	r.StartNumber = 0
	return r
}

// parseMultivariant builds one video set per codec family, an audio set
// for audio only variants, and one set per audio or subtitle rendition.
func (f *hlsFormat) parseMultivariant(t *Tree, p *Period, pl *playlist.Multivariant, manifestURL string) {
	var (
		videoSets      = map[string]*AdaptationSet{}
		videoOrder     []*AdaptationSet
		audioOnly      *AdaptationSet
		includedCodec  string
		groupCodecs    = map[string]string{}
		seen           = map[string]bool{}
		renditionSets  = map[string]*AdaptationSet{}
		renditionOrder []*AdaptationSet
	)

	for i, v := range pl.Variants {
		src := urlutil.Resolve(manifestURL, v.URI)
		if seen[src] {
			continue
		}
		seen[src] = true

		r := newHLSRepresentation(strconv.Itoa(i), src)
		r.Bandwidth = uint32(v.Bandwidth)
		r.Codecs = splitCodecs(strings.Join(v.Codecs, ","))
		r.Width, r.Height = parseResolution(v.Resolution)
		if v.FrameRate != nil {
			r.FrameRate = *v.FrameRate
		}

		var videoCodecs []string
		audioCodec := ""
		for _, c := range r.Codecs {
			switch {
			case codec.IsVideo(c):
				videoCodecs = append(videoCodecs, c)
			case !codec.IsSubtitle(c) && audioCodec == "":
				audioCodec = c
			}
		}
		if v.Audio != "" && audioCodec != "" {
			if _, ok := groupCodecs[v.Audio]; !ok {
				groupCodecs[v.Audio] = audioCodec
			}
		}

		if len(videoCodecs) == 0 && audioCodec != "" && r.Height == 0 {
			if audioOnly == nil {
				audioOnly = &AdaptationSet{Type: StreamAudio, Timescale: hlsTimescale, Codecs: []string{audioCodec}}
			}
			r.Codecs = []string{audioCodec}
			audioOnly.Representations = append(audioOnly.Representations, r)
			continue
		}

		family := codecFamily(videoCodecs)
		a := videoSets[family]
		if a == nil {
			a = &AdaptationSet{Type: StreamVideo, Timescale: hlsTimescale, Codecs: videoCodecs}
			videoSets[family] = a
			videoOrder = append(videoOrder, a)
		}
		a.Representations = append(a.Representations, r)
		if v.Audio == "" && audioCodec != "" && includedCodec == "" {
			includedCodec = audioCodec
		}
	}

	for i, rd := range pl.Renditions {
		var typ StreamType
		switch rd.Type {
		case playlist.MultivariantRenditionTypeAudio:
			typ = StreamAudio
		case playlist.MultivariantRenditionTypeSubtitles:
			typ = StreamSubtitle
		default:
			continue
		}

		key := string(rd.Type) + "\x00" + rd.GroupID + "\x00" + rd.Language + "\x00" + rd.Name
		a := renditionSets[key]
		if a == nil {
			a = &AdaptationSet{
				ID:        rd.GroupID,
				Group:     rd.GroupID,
				Type:      typ,
				Language:  rd.Language,
				Name:      rd.Name,
				Default:   rd.Default,
				Forced:    rd.Forced,
				Timescale: hlsTimescale,
			}
			renditionSets[key] = a
			renditionOrder = append(renditionOrder, a)
		}

		id := "r" + strconv.Itoa(i)
		var r *Representation
		if rd.URI != nil && *rd.URI != "" {
			src := urlutil.Resolve(manifestURL, *rd.URI)
			if seen[src] {
				continue
			}
			seen[src] = true
			r = newHLSRepresentation(id, src)
		} else {
			r = newHLSRepresentation(id, "")
			r.Flags |= FlagIncludedStream
		}
		if typ == StreamSubtitle {
			r.Container = ContainerText
			r.Codecs = []string{"wvtt"}
		} else if c := groupCodecs[rd.GroupID]; c != "" {
			r.Codecs = []string{c}
		}
		if rd.Channels != nil {
			ch, _, _ := strings.Cut(*rd.Channels, "/")
			r.Channels = atoi(ch)
		}
		if typ == StreamAudio && r.Channels == 0 {
			r.Channels = 2
		}
		a.Codecs = r.Codecs
		a.Representations = append(a.Representations, r)
	}

	p.AdaptationSets = append(p.AdaptationSets, videoOrder...)
	if audioOnly != nil {
		p.AdaptationSets = append(p.AdaptationSets, audioOnly)
	}
	if includedCodec != "" {
		r := newHLSRepresentation("included", "")
		r.Codecs = []string{includedCodec}
		r.Flags |= FlagIncludedStream
		p.AdaptationSets = append(p.AdaptationSets, &AdaptationSet{
			Type:            StreamAudio,
			Timescale:       hlsTimescale,
			Codecs:          r.Codecs,
			Representations: []*Representation{r},
		})
	}
	p.AdaptationSets = append(p.AdaptationSets, renditionOrder...)
	p.reindex()

	t.logger.Debug("parsed multivariant playlist",
		slog.Int("variants", len(pl.Variants)),
		slog.Int("renditions", len(pl.Renditions)),
		slog.Int("adaptation_sets", len(p.AdaptationSets)))
}

// parseResolution parses "1920x1080".
func parseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0
	}
	return atoi(w), atoi(h)
}

// prepare downloads the media playlist of r on first use. Included streams
// have nothing to load.
func (f *hlsFormat) prepare(ctx context.Context, t *Tree, p *Period, a *AdaptationSet, r *Representation) (PrepareResult, error) {
	t.mu.RLock()
	src := r.SourceURL
	skip := r.Flags.Has(FlagIncludedStream) || src == "" || r.Flags.Has(FlagDownloaded)
	t.mu.RUnlock()
	if skip {
		return PrepareDrmUnchanged, nil
	}

	media, keys, effective, err := f.fetchMedia(ctx, t, src)
	if err != nil {
		return PrepareFailure, err
	}

	t.mu.Lock()
	res, err := applyMedia(p, a, r, media, keys, effective)
	startLive := false
	if err == nil {
		if res.live {
			startLive = !t.live
			t.live = true
			t.updateInterval = res.updateInterval
			if t.opts.UpdateInterval > 0 {
				t.updateInterval = t.opts.UpdateInterval
			}
		} else {
			t.totalTime = max(t.totalTime, res.duration)
		}
	}
	t.mu.Unlock()
	if err != nil {
		return PrepareFailure, err
	}

	t.logger.DebugContext(ctx, "media playlist loaded",
		slog.String("representation", r.ID),
		slog.Int("segments", res.segments),
		slog.Bool("live", res.live))
	if startLive {
		t.startRefresh()
	}
	return res.result, nil
}

func (f *hlsFormat) fetchMedia(ctx context.Context, t *Tree, src string) (*playlist.Media, map[string]primitives.Attributes, string, error) {
	resp, err := t.download(ctx, src, nil)
	if err != nil {
		return nil, nil, "", err
	}
	effective := resp.EffectiveURL
	if effective == "" {
		effective = src
	}
	media, keys, err := decodeMedia(resp.Body)
	if err != nil {
		return nil, nil, "", err
	}
	return media, keys, effective, nil
}

func decodeMedia(body []byte) (*playlist.Media, map[string]primitives.Attributes, error) {
	normalized, keys := normalizeKeyTags(body)
	pl, err := playlist.Unmarshal(normalized)
	if err != nil {
		return nil, nil, manifestErrorf("decoding media playlist: %v", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, nil, manifestErrorf("expected a media playlist")
	}
	return media, keys, nil
}

// normalizeKeyTags collects the raw attributes of every EXT-X-KEY by URI
// and rewrites methods the playlist decoder does not know, such as
// SAMPLE-AES-CTR, to SAMPLE-AES. The raw attributes keep the original
// method and KEYID.
func normalizeKeyTags(body []byte) ([]byte, map[string]primitives.Attributes) {
	keys := map[string]primitives.Attributes{}
	lines := strings.Split(string(body), "\n")
	changed := false
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		rest, ok := strings.CutPrefix(line, "#EXT-X-KEY:")
		if !ok {
			continue
		}
		var attrs primitives.Attributes
		if err := attrs.Unmarshal(rest); err != nil {
			continue
		}
		keys[attrs["URI"]] = attrs
		switch playlist.MediaKeyMethod(attrs["METHOD"]) {
		case playlist.MediaKeyMethodNone, playlist.MediaKeyMethodAES128, playlist.MediaKeyMethodSampleAES:
			continue
		}
		lines[i] = strings.Replace(line, "METHOD="+attrs["METHOD"], "METHOD="+string(playlist.MediaKeyMethodSampleAES), 1)
		changed = true
	}
	if !changed {
		return body, keys
	}
	return []byte(strings.Join(lines, "\n")), keys
}

// mediaResult summarizes a media playlist applied to a representation.
type mediaResult struct {
	result         PrepareResult
	live           bool
	updateInterval time.Duration
	duration       time.Duration
	segments       int
}

// hlsKey is the resolved state of one EXT-X-KEY tag.
type hlsKey struct {
	// segmentSet is inserted per segment for AES-128 keys.
	segmentSet *PSSHSet
	// repSet is the representation protection for SAMPLE-AES keys.
	repSet *PSSHSet
}

// applyMedia replaces the segments of r with those of media. The caller
// owns p or holds the tree's write lock.
func applyMedia(p *Period, a *AdaptationSet, r *Representation, media *playlist.Media, keys map[string]primitives.Attributes, playlistURL string) (mediaResult, error) {
	res := mediaResult{result: PrepareDrmUnchanged}

	segs, init, repSet, err := buildMediaSegments(p, a, r, media, keys, playlistURL)
	if err != nil {
		return res, err
	}
	if len(segs) == 0 {
		return res, manifestErrorf("media playlist %s has no segments", urlutil.Origin(playlistURL))
	}

	for _, s := range r.Segments {
		p.DecrementPSSHSet(s.PSSHSet)
	}
	if init != nil {
		r.Initialization = *init
		r.Flags |= FlagInitialization
	}
	r.Segments = segs
	r.StartNumber = segs[0].Number
	r.Current = -1
	r.Flags |= FlagURLSegments | FlagDownloaded
	r.BaseURL = urlutil.BaseURL(playlistURL)

	if repSet != nil {
		old := r.PSSHSet
		idx := p.InsertPSSHSet(repSet)
		if idx == old {
			p.DecrementPSSHSet(idx)
		} else if p.PSSHSets[idx].UsageCount == 1 {
			res.result = PrepareDrmChanged
		}
		r.PSSHSet = idx
		if p.Encryption == Unencrypted {
			p.Encryption = EncryptedDRM
		}
	}

	res.segments = len(segs)
	res.live = !media.Endlist && (media.PlaylistType == nil || *media.PlaylistType != playlist.MediaPlaylistTypeVOD)
	res.updateInterval = time.Duration(media.TargetDuration) * 1500 * time.Millisecond
	last := segs[len(segs)-1]
	res.duration = time.Duration(last.End()-segs[0].StartPTS) * time.Microsecond
	if !res.live {
		p.Duration = max(p.Duration, uint64(res.duration.Milliseconds()))
	}
	return res, nil
}

// buildMediaSegments converts playlist segments. PTS accumulates from 0;
// byte ranges without an offset continue the previous one.
func buildMediaSegments(p *Period, a *AdaptationSet, r *Representation, media *playlist.Media, keys map[string]primitives.Attributes, playlistURL string) ([]Segment, *Segment, *PSSHSet, error) {
	var (
		segs     []Segment
		init     *Segment
		repSet   *PSSHSet
		pts      uint64
		next     uint64
		ranged   bool
		lastKey  *playlist.MediaKey
		resolved hlsKey
	)

	if m := media.Map; m != nil {
		seg := Segment{URL: urlutil.Resolve(playlistURL, m.URI), RangeBegin: NoRange, RangeEnd: NoRange}
		if m.ByteRangeLength != nil {
			start := uint64(0)
			if m.ByteRangeStart != nil {
				start = *m.ByteRangeStart
			}
			seg.RangeBegin, seg.RangeEnd = start, start+*m.ByteRangeLength-1
		}
		init = &seg
		r.Container = ContainerMP4
	}

	for i, ms := range media.Segments {
		u := urlutil.Resolve(playlistURL, ms.URI)
		if r.Container == ContainerNoType || r.Container == ContainerInvalid {
			r.Container = containerFromExtension(ms.URI)
			if r.Container == ContainerInvalid {
				return nil, nil, nil, manifestErrorf("unsupported segment container %q", path.Ext(ms.URI))
			}
		}

		if ms.Key != lastKey {
			lastKey = ms.Key
			k, err := resolveKey(ms.Key, keys, a, playlistURL)
			if err != nil {
				return nil, nil, nil, err
			}
			resolved = k
			if k.repSet != nil {
				repSet = k.repSet
			}
		}

		d := uint64(ms.Duration.Microseconds())
		seg := Segment{
			URL:        u,
			RangeBegin: NoRange,
			RangeEnd:   NoRange,
			StartPTS:   pts,
			Duration:   d,
			Number:     uint64(media.MediaSequence + i),
			Time:       pts,
		}
		if ms.ByteRangeLength != nil {
			start := next
			if ms.ByteRangeStart != nil {
				start = *ms.ByteRangeStart
			}
			seg.RangeBegin, seg.RangeEnd = start, start+*ms.ByteRangeLength-1
			next = start + *ms.ByteRangeLength
			ranged = true
		}
		if resolved.segmentSet != nil {
			seg.PSSHSet = p.InsertPSSHSet(resolved.segmentSet)
			p.Encryption = EncryptedClearKey
		}
		segs = append(segs, seg)
		pts += d
	}

	if init == nil && ranged && r.Container == ContainerMP4 && len(segs) > 0 && segs[0].RangeBegin > 0 {
		init = &Segment{URL: segs[0].URL, RangeBegin: 0, RangeEnd: segs[0].RangeBegin - 1}
	}
	return segs, init, repSet, nil
}

// resolveKey maps an EXT-X-KEY to protection. AES-128 keys protect
// segments; Widevine SAMPLE-AES keys protect the representation. Other
// SAMPLE-AES key formats cannot be played.
func resolveKey(key *playlist.MediaKey, keys map[string]primitives.Attributes, a *AdaptationSet, playlistURL string) (hlsKey, error) {
	if key == nil || key.Method == playlist.MediaKeyMethodNone {
		return hlsKey{}, nil
	}
	attrs := keys[key.URI]

	switch {
	case key.Method == playlist.MediaKeyMethodAES128:
		iv, err := parseIV(key.IV)
		if err != nil {
			return hlsKey{}, manifestErrorf("EXT-X-KEY IV %q: %v", key.IV, err)
		}
		return hlsKey{segmentSet: &PSSHSet{
			KeyURL:     urlutil.Resolve(playlistURL, key.URI),
			IV:         iv,
			CryptoMode: drm.CryptoModeAESCBC,
		}}, nil

	case strings.EqualFold(key.KeyFormat, keyFormatWidevine):
		b64, ok := dataURIPayload(key.URI)
		if !ok {
			return hlsKey{}, manifestErrorf("widevine key URI is not a data URI")
		}
		pssh, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return hlsKey{}, manifestErrorf("widevine key URI: %v", err)
		}
		mode := drm.CryptoModeAESCBC
		if strings.EqualFold(attrs["METHOD"], keyMethodSampleCTR) {
			mode = drm.CryptoModeAESCTR
		}
		media := StreamNoType
		if a != nil {
			media = a.Type
		}
		return hlsKey{repSet: &PSSHSet{
			InitData:   pssh,
			DefaultKID: widevineKeyID(attrs["KEYID"], pssh, b64),
			CryptoMode: mode,
			Media:      media,
		}}, nil
	}
	return hlsKey{}, manifestErrorf("unsupported encryption method %s (%s)", key.Method, key.KeyFormat)
}

// widevineKeyID returns the key id from KEYID, from the pssh box, or for a
// bare 50 byte version 0 box from its fixed offset.
func widevineKeyID(keyID string, pssh []byte, b64 string) []byte {
	if keyID != "" {
		s := strings.TrimPrefix(strings.TrimPrefix(keyID, "0x"), "0X")
		if kid, err := drm.ParseKeyID(s); err == nil && len(kid) == 16 {
			return kid
		}
	}
	if box, err := drm.ParsePSSH(pssh); err == nil {
		if len(box.KeyIDs) > 0 {
			return box.KeyIDs[0]
		}
		if ids, _, err := drm.ParseWidevinePsshData(box.Data); err == nil && len(ids) > 0 {
			return ids[0]
		}
	}
	if len(b64) == 68 && len(pssh) == 50 {
		return append([]byte(nil), pssh[34:50]...)
	}
	return nil
}

// dataURIPayload returns the data of a "data:...;base64,<data>" URI.
func dataURIPayload(uri string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(uri), "data:") {
		return "", false
	}
	_, data, ok := strings.Cut(uri, ",")
	return data, ok
}

// parseIV parses a 0x prefixed hex IV. An empty IV is nil: the segment
// number is used instead.
func parseIV(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) < 32 {
		s = strings.Repeat("0", 32-len(s)) + s
	}
	return hex.DecodeString(s)
}

// containerFromExtension guesses the container from a segment URI.
// Segments without an extension are transport streams.
func containerFromExtension(uri string) ContainerType {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	switch strings.ToLower(path.Ext(uri)) {
	case "", ".ts":
		return ContainerTS
	case ".aac":
		return ContainerADTS
	case ".mp4", ".m4s", ".m4a", ".m4v", ".cmfv", ".cmfa":
		return ContainerMP4
	case ".vtt", ".webvtt":
		return ContainerText
	default:
		return ContainerInvalid
	}
}

// refresh reloads every loaded media playlist of the current period.
func (f *hlsFormat) refresh(ctx context.Context, t *Tree) error {
	type target struct {
		p *Period
		a *AdaptationSet
		r *Representation
	}
	t.mu.RLock()
	var targets []target
	if t.current < len(t.periods) {
		p := t.periods[t.current]
		for _, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				if r.Flags.Has(FlagDownloaded) && r.SourceURL != "" {
					targets = append(targets, target{p, a, r})
				}
			}
		}
	}
	t.mu.RUnlock()

	var firstErr error
	for _, tg := range targets {
		err := t.scheduler().RunNow(ctx, "playlist:"+tg.r.SourceURL, func(ctx context.Context) error {
			return f.refreshRepresentation(ctx, t, tg.p, tg.a, tg.r)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// refreshRepresentation reloads the media playlist of r and appends the
// segments past the ones already known. Segments that left the playlist
// window are trimmed once the cursor has moved past them.
func (f *hlsFormat) refreshRepresentation(ctx context.Context, t *Tree, p *Period, a *AdaptationSet, r *Representation) error {
	t.mu.RLock()
	src := r.SourceURL
	t.mu.RUnlock()
	if src == "" {
		return nil
	}

	media, keys, effective, err := f.fetchMedia(ctx, t, src)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	segs, _, repSet, err := buildMediaSegments(p, a, r, media, keys, effective)
	if err != nil {
		return err
	}
	if repSet != nil {
		idx := p.InsertPSSHSet(repSet)
		if idx == r.PSSHSet {
			p.DecrementPSSHSet(idx)
		}
		r.PSSHSet = idx
	}

	stale := 0
	for i := range r.Segments {
		if r.StartNumber+uint64(i) < uint64(media.MediaSequence) {
			stale++
		}
	}
	next := r.StartNumber + uint64(len(r.Segments))
	for _, s := range segs {
		if s.PSSHSet != 0 && (s.Number < next || s.Duration == 0) {
			p.DecrementPSSHSet(s.PSSHSet)
		}
	}
	appendNumbered(r, dropDegenerate(segs))
	for _, s := range trimFront(r, stale) {
		if s.PSSHSet != 0 {
			p.DecrementPSSHSet(s.PSSHSet)
		}
	}
	if _, ok := r.NextSegment(); ok {
		r.Flags &^= FlagWaitForSegment
	}

	if media.Endlist {
		t.live = false
		t.totalTime = max(t.totalTime, time.Duration(r.NextPTS())*time.Microsecond)
	}
	return nil
}
