package dispatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

// Source is audio to be transcribed. The payload is read once per
// Transcribe call and re-sent unchanged on every failover attempt.
type Source interface {
	// Name identifies the audio. It is recorded as the job's audio path and
	// its base name is used as the upload filename.
	Name() string

	// ReadAll returns the bytes to upload.
	ReadAll() ([]byte, error)
}

// File returns a Source reading the audio file at path.
func File(path string) Source { return fileSource(path) }

type fileSource string

func (f fileSource) Name() string { return string(f) }

func (f fileSource) ReadAll() ([]byte, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("dispatch: read audio file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("dispatch: audio file %q is empty", string(f))
	}
	return data, nil
}

// Bytes returns a Source for an in-memory encoded audio file (WAV, MP3, ...).
func Bytes(name string, data []byte) Source {
	return bytesSource{name: name, data: data}
}

type bytesSource struct {
	name string
	data []byte
}

func (b bytesSource) Name() string { return b.name }

func (b bytesSource) ReadAll() ([]byte, error) {
	if len(b.data) == 0 {
		return nil, fmt.Errorf("dispatch: audio %q is empty", b.name)
	}
	return b.data, nil
}

// PCM returns a Source for raw 16-bit little-endian PCM. The samples are
// wrapped in a WAV container before upload.
func PCM(name string, pcm []byte, sampleRate, channels int) Source {
	return pcmSource{name: name, pcm: pcm, sampleRate: sampleRate, channels: channels}
}

type pcmSource struct {
	name       string
	pcm        []byte
	sampleRate int
	channels   int
}

func (p pcmSource) Name() string {
	if filepath.Ext(p.name) == "" {
		return p.name + ".wav"
	}
	return p.name
}

func (p pcmSource) ReadAll() ([]byte, error) {
	if len(p.pcm) == 0 {
		return nil, fmt.Errorf("dispatch: pcm %q is empty", p.name)
	}
	if p.sampleRate <= 0 || p.channels <= 0 {
		return nil, fmt.Errorf("dispatch: pcm %q: invalid format %d Hz x %d channels", p.name, p.sampleRate, p.channels)
	}
	return whisperapi.EncodeWAV(p.pcm, p.sampleRate, p.channels), nil
}
