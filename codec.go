package whep

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return webrtc.MimeTypeVP8
	case VideoCodecVP9:
		return webrtc.MimeTypeVP9
	case VideoCodecH264:
		return webrtc.MimeTypeH264
	case VideoCodecAV1:
		return webrtc.MimeTypeAV1
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// ParseVideoCodec accepts a codec name ("vp8") or MIME type ("video/VP8").
func ParseVideoCodec(s string) (VideoCodec, error) {
	switch mimeSubtype(s) {
	case "vp8":
		return VideoCodecVP8, nil
	case "vp9":
		return VideoCodecVP9, nil
	case "h264":
		return VideoCodecH264, nil
	case "av1":
		return VideoCodecAV1, nil
	}
	return VideoCodecUnknown, fmt.Errorf("unknown video codec %q", s)
}

// CodecFromMime maps a MIME type to a VideoCodec, or VideoCodecUnknown.
func CodecFromMime(mime string) VideoCodec {
	c, _ := ParseVideoCodec(mime)
	return c
}

// mimeSubtype returns the lower-case part after the slash.
func mimeSubtype(mime string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		mime = mime[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// fallbackCodecs follow the preferred codec in the ordering.
var fallbackCodecs = []string{"vp8", "h264", "vp9"}

// OrderCodecs returns codecs reordered for SetCodecPreferences: the
// preferred codec first, then the fallback list vp8, h264, vp9, then the
// remaining codecs in their original order, and rtx last. Within H264,
// packetization-mode=1 variants come before the other profile variants.
// Matching on the MIME subtype ignores case.
func OrderCodecs(codecs []webrtc.RTPCodecParameters, preferred string) []webrtc.RTPCodecParameters {
	preferred = mimeSubtype(preferred)
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	used := make([]bool, len(codecs))

	take := func(name string) {
		var modeOne, rest []int
		for i, c := range codecs {
			if used[i] || mimeSubtype(c.MimeType) != name {
				continue
			}
			if name == "h264" && fmtpValue(c.SDPFmtpLine, "packetization-mode") == "1" {
				modeOne = append(modeOne, i)
			} else {
				rest = append(rest, i)
			}
		}
		for _, i := range append(modeOne, rest...) {
			used[i] = true
			out = append(out, codecs[i])
		}
	}

	if preferred != "" && preferred != "rtx" {
		take(preferred)
	}
	for _, name := range fallbackCodecs {
		if name != preferred {
			take(name)
		}
	}
	for i, c := range codecs {
		if !used[i] && mimeSubtype(c.MimeType) != "rtx" {
			used[i] = true
			out = append(out, c)
		}
	}
	for i, c := range codecs {
		if !used[i] {
			out = append(out, c)
		}
	}
	return out
}

// fmtpValue returns the value for key in an a=fmtp parameter line.
func fmtpValue(line, key string) string {
	for _, kv := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// OfferedVideoCodecs parses an SDP offer and returns the codecs of its
// first video section in offer order.
func OfferedVideoCodecs(offer string) ([]webrtc.RTPCodecParameters, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(offer)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		var out []webrtc.RTPCodecParameters
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				continue
			}
			c, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			var fb []webrtc.RTCPFeedback
			for _, raw := range c.RTCPFeedback {
				typ, param, _ := strings.Cut(raw, " ")
				fb = append(fb, webrtc.RTCPFeedback{Type: typ, Parameter: param})
			}
			out = append(out, webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     "video/" + c.Name,
					ClockRate:    c.ClockRate,
					SDPFmtpLine:  c.Fmtp,
					RTCPFeedback: fb,
				},
				PayloadType: webrtc.PayloadType(c.PayloadType),
			})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: video section has no codecs", ErrInvalidOffer)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: no video section", ErrInvalidOffer)
}

// negotiableCodecs keeps the codecs the default MediaEngine registers,
// dropping rtx, red and fec entries that pion pairs on its own.
func negotiableCodecs(codecs []webrtc.RTPCodecParameters) []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	for _, c := range codecs {
		if CodecFromMime(c.MimeType) != VideoCodecUnknown {
			out = append(out, c)
		}
	}
	return out
}

// preferEncodable moves codecs enc can encode ahead of the rest, keeping
// the relative order within each group.
func preferEncodable(codecs []webrtc.RTPCodecParameters, enc EncoderFactory) []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	var rest []webrtc.RTPCodecParameters
	for _, c := range codecs {
		if enc != nil && enc.Supports(CodecFromMime(c.MimeType)) {
			out = append(out, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(out, rest...)
}
