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

typedef int celt_int32;
typedef short celt_int16;
typedef struct CELTMode CELTMode;
typedef struct CELTDecoder CELTDecoder;

typedef CELTMode* (*celt_mode_create_fn)(celt_int32 Fs, int frame_size, int *error);
typedef void (*celt_mode_destroy_fn)(CELTMode*);
typedef CELTDecoder* (*celt_decoder_create_fn)(const CELTMode*, int channels, int *error);
typedef void (*celt_decoder_destroy_fn)(CELTDecoder*);
typedef int (*celt_decode_fn)(CELTDecoder*, const unsigned char*, int, celt_int16*);
typedef const char* (*celt_strerror_fn)(int);

typedef struct {
    void* handle;
    celt_mode_create_fn mode_create_fn;
    celt_mode_destroy_fn mode_destroy_fn;
    celt_decoder_create_fn decoder_create_fn;
    celt_decoder_destroy_fn decoder_destroy_fn;
    celt_decode_fn decode_fn;
    celt_strerror_fn strerror_fn;
} celt_api;

static int celt_load_symbol(void* handle, const char* name, void** out, char* err, size_t errLen) {
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

static int celt_api_open(celt_api* api, const char* path, char* err, size_t errLen) {
    memset(api, 0, sizeof(*api));

    dlerror();
    api->handle = dlopen(path, RTLD_NOW | RTLD_LOCAL);
    if (api->handle == NULL) {
        const char* dlErr = dlerror();
        snprintf(err, errLen, "dlopen failed: %s", dlErr ? dlErr : "unknown error");
        return 0;
    }

    if (!celt_load_symbol(api->handle, "celt_mode_create", (void**)&api->mode_create_fn, err, errLen) ||
        !celt_load_symbol(api->handle, "celt_mode_destroy", (void**)&api->mode_destroy_fn, err, errLen) ||
        !celt_load_symbol(api->handle, "celt_decoder_create", (void**)&api->decoder_create_fn, err, errLen) ||
        !celt_load_symbol(api->handle, "celt_decoder_destroy", (void**)&api->decoder_destroy_fn, err, errLen) ||
        !celt_load_symbol(api->handle, "celt_decode", (void**)&api->decode_fn, err, errLen) ||
        !celt_load_symbol(api->handle, "celt_strerror", (void**)&api->strerror_fn, err, errLen)) {
        dlclose(api->handle);
        memset(api, 0, sizeof(*api));
        return 0;
    }

    return 1;
}

static void celt_api_close(celt_api* api) {
    if (api->handle != NULL) {
        dlclose(api->handle);
    }
    memset(api, 0, sizeof(*api));
}

static CELTMode* celt_api_mode_create(celt_api* api, int sampleRate, int frameSize, int* errCode) {
    return api->mode_create_fn(sampleRate, frameSize, errCode);
}

static void celt_api_mode_destroy(celt_api* api, CELTMode* mode) {
    if (api->mode_destroy_fn != NULL && mode != NULL) {
        api->mode_destroy_fn(mode);
    }
}

static CELTDecoder* celt_api_decoder_create(celt_api* api, CELTMode* mode, int channels, int* errCode) {
    return api->decoder_create_fn(mode, channels, errCode);
}

static void celt_api_decoder_destroy(celt_api* api, CELTDecoder* decoder) {
    if (api->decoder_destroy_fn != NULL && decoder != NULL) {
        api->decoder_destroy_fn(decoder);
    }
}

static int celt_api_decode(celt_api* api, CELTDecoder* decoder, const unsigned char* data, int len, celt_int16* pcm) {
    if (api->decode_fn == NULL || decoder == NULL) {
        return -1;
    }
    return api->decode_fn(decoder, data, len, pcm);
}

static const char* celt_api_strerror(celt_api* api, int code) {
    if (api->strerror_fn == NULL) {
        return "unknown celt error";
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

type celtDecoderEngine struct {
	mu sync.Mutex

	api          C.celt_api
	mode         *C.CELTMode
	decoder      *C.CELTDecoder
	path         string
	frameSamples int
	channels     int
}

func newCELTDecoderEngine(libPath string, sampleRate, frameSamples, channels int) (*celtDecoderEngine, error) {
	api, path, err := openCELTAPI(libPath)
	if err != nil {
		return nil, err
	}

	errCode := C.int(0)
	mode := C.celt_api_mode_create(&api, C.int(sampleRate), C.int(frameSamples), &errCode)
	if mode == nil {
		errStr := C.GoString(C.celt_api_strerror(&api, errCode))
		C.celt_api_close(&api)
		return nil, fmt.Errorf("celt_mode_create failed: %s (%d)", errStr, int(errCode))
	}

	decoder := C.celt_api_decoder_create(&api, mode, C.int(channels), &errCode)
	if decoder == nil {
		errStr := C.GoString(C.celt_api_strerror(&api, errCode))
		C.celt_api_mode_destroy(&api, mode)
		C.celt_api_close(&api)
		return nil, fmt.Errorf("celt_decoder_create failed: %s (%d)", errStr, int(errCode))
	}

	return &celtDecoderEngine{
		api:          api,
		mode:         mode,
		decoder:      decoder,
		path:         path,
		frameSamples: frameSamples,
		channels:     channels,
	}, nil
}

func openCELTAPI(libPath string) (C.celt_api, string, error) {
	var api C.celt_api
	explicit := strings.TrimSpace(libPath) != ""
	tried := make([]string, 0, 8)

	for _, candidate := range celtLibrarySearch.candidates(libPath) {
		cPath := C.CString(candidate)
		errBuf := make([]C.char, 512)
		ok := C.celt_api_open(&api, cPath, &errBuf[0], C.size_t(len(errBuf)))
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

	return api, "", celtLibrarySearch.loadError(tried, explicit)
}

func (e *celtDecoderEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	C.celt_api_decoder_destroy(&e.api, e.decoder)
	e.decoder = nil
	C.celt_api_mode_destroy(&e.api, e.mode)
	e.mode = nil
	C.celt_api_close(&e.api)
}

func (e *celtDecoderEngine) LibraryPath() string {
	return e.path
}

func (e *celtDecoderEngine) Decode(frame []byte) ([]int16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.decoder == nil {
		return nil, fmt.Errorf("celt decoder is not initialized")
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty celt frame")
	}

	pcm := make([]C.celt_int16, e.frameSamples*e.channels)
	rc := C.celt_api_decode(
		&e.api,
		e.decoder,
		(*C.uchar)(unsafe.Pointer(&frame[0])),
		C.int(len(frame)),
		(*C.celt_int16)(unsafe.Pointer(&pcm[0])),
	)
	if rc < 0 {
		errStr := C.GoString(C.celt_api_strerror(&e.api, rc))
		return nil, fmt.Errorf("celt decode failed: %s (%d)", errStr, int(rc))
	}

	out := make([]int16, len(pcm))
	for i := range pcm {
		out[i] = int16(pcm[i])
	}
	return out, nil
}
