// Package whep serves live video to browsers over WHEP (WebRTC-HTTP Egress
// Protocol), taken from an NDI network source or generated synthetically.
//
// Key pieces include:
//   - SourceDiscoveryCache, CaptureBridge and BridgePool for NDI input
//   - PixelConverter and the scaler, normalizing captures to I420
//   - VideoSource with NDI-backed and test pattern variants
//   - VideoEncodePipeline and LocalTrack, encoding VP8/VP9 into RTP
//   - SessionManager, the per-viewer WHEP state machine over pion/webrtc
//   - Server, the HTTP boundary
//
// # Architecture
//
//	Capture: Receiver -> CaptureBridge -> PixelConverter -> FrameQueue (per subscriber)
//	Session: VideoSource -> VideoEncodePipeline -> VideoEncoder -> LocalTrack -> PeerConnection
//
// One goroutine per bridge calls the native receiver, locked to its OS
// thread. Sessions viewing the same source share one bridge.
//
// # Native Libraries
//
// The NDI SDK (libndi) and libmedia_vpx are loaded at runtime with purego,
// so the package builds with CGO_ENABLED=0. Set NDI_RUNTIME_DIR_V6 or
// NDI_LIB_PATH for libndi and MEDIA_VPX_LIB_PATH for the encoder. Without
// libndi the server streams synthetic video; discovery can still use mDNS.
//
// # Build Tags
//
// Optional tags disable features:
//   - nondi: build without the NDI binding
//   - novpx: build without the VP8/VP9 encoder
package whep
