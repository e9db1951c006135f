//go:build linux && cgo

package main

/*
#cgo linux LDFLAGS: -ldl

#include <dlfcn.h>
#include <stdint.h>
#include <stddef.h>
#include <stdlib.h>
#include <stdio.h>
#include <string.h>

typedef int opus_int32;
typedef short opus_int16;
typedef struct OpusDecoder OpusDecoder;

typedef OpusDecoder* (*opus_decoder_create_fn)(opus_int32 Fs, int channels, int *error);
typedef void (*opus_decoder_destroy_fn)(OpusDecoder*);
typedef int (*opus_decode_fn)(OpusDecoder*, const unsigned char*, opus_int32, opus_int16*, int, int);
typedef const char* (*opus_strerror_fn)(int);

typedef struct {
    void* handle;
    opus_decoder_create_fn decoder_create_fn;
    opus_decoder_destroy_fn decoder_destroy_fn;
    opus_decode_fn decode_fn;
    opus_strerror_fn strerror_fn;
} opus_api;

static int opus_load_symbol(void* handle, const char* name, void** out, char* err, size_t errLen) {
    dlerror();
    void* sym = dlsym(handle, name);
    const char* dlErr = dlerror();
    if (dlErr != NULL) {
        snprintf(err, errLen, "missing symbol %s: %s", name, dlErr);
        return 0;
    }
    *out = sym;
    return 1;
}

static int opus_api_open(opus_api* api, const char* path, char* err, size_t errLen) {
    memset(api, 0, sizeof(*api));

    dlerror();
    api->handle = dlopen(path, RTLD_NOW | RTLD_LOCAL);
    if (api->handle == NULL) {
        const char* dlErr = dlerror();
        snprintf(err, errLen, "dlopen failed: %s", dlErr ? dlErr : "unknown error");
        return 0;
    }

    if (!opus_load_symbol(api->handle, "opus_decoder_create", (void**)&api->decoder_create_fn, err, errLen) ||
        !opus_load_symbol(api->handle, "opus_decoder_destroy", (void**)&api->decoder_destroy_fn, err, errLen) ||
        !opus_load_symbol(api->handle, "opus_decode", (void**)&api->decode_fn, err, errLen) ||
        !opus_load_symbol(api->handle, "opus_strerror", (void**)&api->strerror_fn, err, errLen)) {
        dlclose(api->handle);
        memset(api, 0, sizeof(*api));
        return 0;
    }

    return 1;
}

static void opus_api_close(opus_api* api) {
    if (api->handle != NULL) {
        dlclose(api->handle);
    }
    memset(api, 0, sizeof(*api));
}

static OpusDecoder* opus_api_decoder_create(opus_api* api, int sampleRate, int channels, int* errCode) {
    return api->decoder_create_fn(sampleRate, channels, errCode);
}

static void opus_api_decoder_destroy(opus_api* api, OpusDecoder* decoder) {
    if (api->decoder_destroy_fn != NULL && decoder != NULL) {
        api->decoder_destroy_fn(decoder);
    }
}

static int opus_api_decode(opus_api* api, OpusDecoder* decoder, const unsigned char* data, int len, opus_int16* pcm, int frameSize) {
    if (api->decode_fn == NULL || decoder == NULL) {
        return -1;
    }
    return api->decode_fn(decoder, data, len, pcm, frameSize, 0);
}

static const char* opus_api_strerror(opus_api* api, int code) {
    if (api->strerror_fn == NULL) {
        return "unknown opus error";
    }
    return api->strerror_fn(code);
}
*/
import "C"

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unsafe"
)

type opusDecoderEngine struct {
	mu sync.Mutex

	api        C.opus_api
	decoder    *C.OpusDecoder
	path       string
	channels   int
	maxSamples int
}

func newOpusDecoderEngine(libPath string, sampleRate, frameSamples, channels int) (*opusDecoderEngine, error) {
	api, path, err := openOpusAPI(libPath)
	if err != nil {
		return nil, err
	}

	errCode := C.int(0)
	decoder := C.opus_api_decoder_create(&api, C.int(sampleRate), C.int(channels), &errCode)
	if decoder == nil {
		errStr := C.GoString(C.opus_api_strerror(&api, errCode))
		C.opus_api_close(&api)
		return nil, fmt.Errorf("opus_decoder_create failed: %s (%d)", errStr, int(errCode))
	}

	// A single opus packet may span up to 120 ms; size the buffer for that
	// even though senders normally use frameSamples.
	maxSamples := sampleRate * 120 / 1000
	if maxSamples < frameSamples {
		maxSamples = frameSamples
	}

	return &opusDecoderEngine{
		api:        api,
		decoder:    decoder,
		path:       path,
		channels:   channels,
		maxSamples: maxSamples,
	}, nil
}

func openOpusAPI(libPath string) (C.opus_api, string, error) {
	var api C.opus_api
	explicit := strings.TrimSpace(libPath) != ""
	tried := make([]string, 0, 8)

	for _, candidate := range opusLibrarySearch.candidates(libPath) {
		cPath := C.CString(candidate)
		errBuf := make([]C.char, 512)
		ok := C.opus_api_open(&api, cPath, &errBuf[0], C.size_t(len(errBuf)))
		C.free(unsafe.Pointer(cPath))
		if ok != 0 {
			return api, candidate, nil
		}

		errText := C.GoString(&errBuf[0])
		if strings.Contains(candidate, "/") {
			if _, statErr := os.Stat(candidate); statErr != nil {
				errText = fmt.Sprintf("%s; stat=%s", errText, statErr)
			}
		}
		tried = append(tried, fmt.Sprintf("%s (%s)", candidate, errText))
	}

	return api, "", opusLibrarySearch.loadError(tried, explicit)
}

func (o *opusDecoderEngine) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	C.opus_api_decoder_destroy(&o.api, o.decoder)
	o.decoder = nil
	C.opus_api_close(&o.api)
}

func (o *opusDecoderEngine) LibraryPath() string {
	return o.path
}

func (o *opusDecoderEngine) Decode(packet []byte) ([]int16, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.decoder == nil {
		return nil, fmt.Errorf("opus decoder is not initialized")
	}
	if len(packet) == 0 {
		return nil, fmt.Errorf("empty opus packet")
	}

	pcm := make([]C.opus_int16, o.maxSamples*o.channels)
	decoded := C.opus_api_decode(
		&o.api,
		o.decoder,
		(*C.uchar)(unsafe.Pointer(&packet[0])),
		C.int(len(packet)),
		(*C.opus_int16)(unsafe.Pointer(&pcm[0])),
		C.int(o.maxSamples),
	)
	if decoded < 0 {
		errStr := C.GoString(C.opus_api_strerror(&o.api, decoded))
		return nil, fmt.Errorf("opus decode failed: %s (%d)", errStr, int(decoded))
	}

	samples := int(decoded) * o.channels
	if samples <= 0 {
		return nil, fmt.Errorf("opus decoder returned no samples")
	}

	out := make([]int16, samples)
	for i := 0; i < samples; i++ {
		out[i] = int16(pcm[i])
	}
	return out, nil
}
