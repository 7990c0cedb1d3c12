//go:build (darwin || linux) && !nondi

// NDI SDK binding via purego.
//
// Library locations checked (in order):
//   - NDI_LIB_PATH environment variable (full path)
//   - NDI_RUNTIME_DIR_V6 / NDI_RUNTIME_DIR_V5 directories
//   - next to the executable and in ../lib
//   - build/ under the module root (development)
//   - system library names and paths

package whep

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	ndiOnce    sync.Once
	ndiHandle  uintptr
	ndiInitErr error
	ndiLibPath string
)

// NDI SDK function pointers
var (
	ndiInitialize         func() bool
	ndiFindCreateV2       func(settings unsafe.Pointer) uintptr
	ndiFindDestroy        func(finder uintptr)
	ndiFindWaitForSources func(finder uintptr, timeoutMs uint32) bool
	ndiFindGetCurrent     func(finder uintptr, count unsafe.Pointer) uintptr
	ndiRecvCreateV3       func(settings unsafe.Pointer) uintptr
	ndiRecvDestroy        func(recv uintptr)
	ndiRecvCaptureV2      func(recv uintptr, video, audio, metadata unsafe.Pointer, timeoutMs uint32) int32
	ndiRecvFreeVideoV2    func(recv uintptr, video unsafe.Pointer)
)

// Frame types returned by NDIlib_recv_capture_v2.
const (
	ndiFrameTypeNone         = 0
	ndiFrameTypeVideo        = 1
	ndiFrameTypeAudio        = 2
	ndiFrameTypeMetadata     = 3
	ndiFrameTypeError        = 4
	ndiFrameTypeStatusChange = 5
)

const ndiRecvBandwidthHighest = 100

// ndiSourceT matches NDIlib_source_t.
type ndiSourceT struct {
	name uintptr // const char* p_ndi_name
	url  uintptr // const char* p_url_address
}

// ndiFindCreateT matches NDIlib_find_create_t.
type ndiFindCreateT struct {
	showLocalSources bool
	groups           uintptr // const char* p_groups
	extraIPs         uintptr // const char* p_extra_ips
}

// ndiRecvCreateV3T matches NDIlib_recv_create_v3_t.
type ndiRecvCreateV3T struct {
	source           ndiSourceT
	colorFormat      int32
	bandwidth        int32
	allowVideoFields bool
	recvName         uintptr
}

// ndiVideoFrameV2T matches NDIlib_video_frame_v2_t.
type ndiVideoFrameV2T struct {
	xres            int32
	yres            int32
	fourCC          uint32
	frameRateN      int32
	frameRateD      int32
	aspectRatio     float32
	frameFormatType int32
	timecode        int64
	data            uintptr
	lineStride      int32
	metadata        uintptr
	timestamp       int64
}

func loadNDI() error {
	ndiOnce.Do(func() {
		handle, path, err := dlopenFirst(ndiLibPaths())
		if err != nil {
			ndiInitErr = fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
			return
		}
		ndiHandle, ndiLibPath = handle, path

		purego.RegisterLibFunc(&ndiInitialize, handle, "NDIlib_initialize")
		purego.RegisterLibFunc(&ndiFindCreateV2, handle, "NDIlib_find_create_v2")
		purego.RegisterLibFunc(&ndiFindDestroy, handle, "NDIlib_find_destroy")
		purego.RegisterLibFunc(&ndiFindWaitForSources, handle, "NDIlib_find_wait_for_sources")
		purego.RegisterLibFunc(&ndiFindGetCurrent, handle, "NDIlib_find_get_current_sources")
		purego.RegisterLibFunc(&ndiRecvCreateV3, handle, "NDIlib_recv_create_v3")
		purego.RegisterLibFunc(&ndiRecvDestroy, handle, "NDIlib_recv_destroy")
		purego.RegisterLibFunc(&ndiRecvCaptureV2, handle, "NDIlib_recv_capture_v2")
		purego.RegisterLibFunc(&ndiRecvFreeVideoV2, handle, "NDIlib_recv_free_video_v2")

		if !ndiInitialize() {
			ndiInitErr = fmt.Errorf("%w: NDIlib_initialize failed (unsupported CPU?)", ErrRuntimeUnavailable)
		}
	})
	return ndiInitErr
}

func ndiLibPaths() []string {
	search := libSearch{
		FileEnv:    "NDI_LIB_PATH",
		DirEnvs:    []string{"NDI_RUNTIME_DIR_V6", "NDI_RUNTIME_DIR_V5"},
		Names:      []string{"libndi.so.6", "libndi.so.5", "libndi.so"},
		SystemDirs: []string{"/usr/local/lib", "/usr/lib", "/usr/lib/x86_64-linux-gnu", "/usr/lib/aarch64-linux-gnu"},
	}
	if runtime.GOOS == "darwin" {
		search.Names = []string{"libndi.dylib", "libndi_advanced.dylib"}
		search.SystemDirs = []string{"/Library/NDI SDK for Apple/lib/macOS", "/usr/local/lib", "/opt/homebrew/lib"}
	}
	return search.candidates()
}

// ndiRuntime implements Runtime over the NDI SDK.
type ndiRuntime struct{}

// LoadRuntime loads the NDI SDK. It returns an error wrapping
// ErrRuntimeUnavailable when the library cannot be loaded or initialized.
func LoadRuntime() (Runtime, error) {
	if err := loadNDI(); err != nil {
		return nil, err
	}
	return ndiRuntime{}, nil
}

// IsNDIAvailable reports whether the NDI SDK can be loaded.
func IsNDIAvailable() bool {
	return loadNDI() == nil
}

func (ndiRuntime) NewFinder() (Finder, error) {
	settings := &ndiFindCreateT{showLocalSources: true}
	h := ndiFindCreateV2(unsafe.Pointer(settings))
	runtime.KeepAlive(settings)
	if h == 0 {
		return nil, fmt.Errorf("%w: NDIlib_find_create_v2 returned NULL", ErrDiscoveryUnavailable)
	}
	return &ndiFinder{handle: h}, nil
}

func (ndiRuntime) NewReceiver(src SourceDescriptor, opts ReceiverOptions) (Receiver, error) {
	if src.URL == "" && src.Name == "" {
		return nil, fmt.Errorf("receiver needs a source name or url")
	}
	var name, url, recvName []byte
	if src.Name != "" {
		name = cString(src.Name)
	}
	if src.URL != "" {
		url = cString(src.URL)
	}
	if opts.Name != "" {
		recvName = cString(opts.Name)
	}

	settings := &ndiRecvCreateV3T{
		source:      ndiSourceT{name: cStringPtr(name), url: cStringPtr(url)},
		colorFormat: int32(opts.ColorFormat),
		bandwidth:   ndiRecvBandwidthHighest,
		recvName:    cStringPtr(recvName),
	}
	h := ndiRecvCreateV3(unsafe.Pointer(settings))
	runtime.KeepAlive(settings)
	runtime.KeepAlive(name)
	runtime.KeepAlive(url)
	runtime.KeepAlive(recvName)
	if h == 0 {
		return nil, fmt.Errorf("NDIlib_recv_create_v3 failed for %q (%s)", src.Name, src.URL)
	}
	return &ndiReceiver{handle: h}, nil
}

type ndiFinder struct {
	mu     sync.Mutex
	handle uintptr
}

func (f *ndiFinder) Wait(timeout time.Duration) bool {
	f.mu.Lock()
	h := f.handle
	f.mu.Unlock()
	if h == 0 {
		return false
	}
	return ndiFindWaitForSources(h, uint32(timeout.Milliseconds()))
}

func (f *ndiFinder) Sources() []SourceDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == 0 {
		return nil
	}
	var n uint32
	ptr := ndiFindGetCurrent(f.handle, unsafe.Pointer(&n))
	if ptr == 0 || n == 0 {
		return nil
	}
	now := time.Now()
	raw := unsafe.Slice((*ndiSourceT)(unsafe.Pointer(ptr)), n)
	out := make([]SourceDescriptor, 0, n)
	for _, s := range raw {
		name := goStringFromPtr(s.name)
		if name == "" {
			continue
		}
		out = append(out, SourceDescriptor{Name: name, URL: goStringFromPtr(s.url), LastSeen: now})
	}
	return out
}

func (f *ndiFinder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle != 0 {
		ndiFindDestroy(f.handle)
		f.handle = 0
	}
	return nil
}

type ndiReceiver struct {
	mu     sync.Mutex
	handle uintptr
}

func (r *ndiReceiver) Capture(timeout time.Duration) (RawFrame, bool, error) {
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()
	if h == 0 {
		return RawFrame{}, false, ErrReceiverClosed
	}

	vf := &ndiVideoFrameV2T{}
	switch ndiRecvCaptureV2(h, unsafe.Pointer(vf), nil, nil, uint32(timeout.Milliseconds())) {
	case ndiFrameTypeVideo:
	case ndiFrameTypeError:
		return RawFrame{}, false, fmt.Errorf("NDIlib_recv_capture_v2: receiver error")
	default:
		return RawFrame{}, false, nil
	}
	defer ndiRecvFreeVideoV2(h, unsafe.Pointer(vf))

	w, ht, stride := int(vf.xres), int(vf.yres), int(vf.lineStride)
	ts := vf.timestamp * 100 // 100ns units
	if vf.data == 0 || w <= 0 || ht <= 0 || stride <= 0 {
		return NewRawFrame(FourCC(vf.fourCC), w, ht, stride, nil, ts), true, nil
	}
	// Copy out of SDK memory; the frame is released before returning.
	buf := make([]byte, stride*ht)
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(vf.data)), len(buf)))
	return NewRawFrame(FourCC(vf.fourCC), w, ht, stride, buf, ts), true, nil
}

func (r *ndiReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != 0 {
		ndiRecvDestroy(r.handle)
		r.handle = 0
	}
	return nil
}
