// Package onnx holds the onnxruntime plumbing shared by the image and text
// classifiers: runtime initialization, session options, a session pool,
// label maps and the WordPiece tokenizer.
package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/firemate/triage/internal/redact"
)

const (
	defaultIntraThreads = 1
	defaultInterThreads = 1
)

// LibraryEnv overrides shared library discovery.
const LibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Runtime configures the process-wide onnxruntime environment.
type Runtime struct {
	LibraryPath  string `yaml:"library_path"`
	IntraThreads int    `yaml:"intra_threads"`
	InterThreads int    `yaml:"inter_threads"`
}

var (
	initMu   sync.Mutex
	initPath string
)

// Init loads the shared library and initializes the environment once per
// process. Later calls are no-ops.
func Init(rt Runtime, searchDirs ...string) error {
	initMu.Lock()
	defer initMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	libPath := strings.TrimSpace(rt.LibraryPath)
	if libPath == "" {
		libPath = resolveSharedLibraryPath(searchDirs...)
	}
	if libPath == "" {
		return fmt.Errorf("onnxruntime shared library not found; set %s or install the runtime", LibraryEnv)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	initPath = libPath
	redact.Logf("onnx: runtime initialized library=%s", libPath)
	return nil
}

// Shutdown tears the environment down. Sessions must be destroyed first.
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	initPath = ""
	return ort.DestroyEnvironment()
}

// resolveSharedLibraryPath probes the env override, then common names in
// the given directories and the usual system locations.
func resolveSharedLibraryPath(searchDirs ...string) string {
	if env := strings.TrimSpace(os.Getenv(LibraryEnv)); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"onnxruntime.dll",
	}
	var dirs []string
	for _, d := range searchDirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		dirs = append(dirs, d, filepath.Join(d, "lib"))
	}
	dirs = append(dirs, ".", "/opt/homebrew/lib", "/usr/local/lib", "/usr/lib")

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// NewSessionOptions returns options with full graph optimization and the
// runtime's thread counts. The caller destroys them.
func NewSessionOptions(rt Runtime) (*ort.SessionOptions, error) {
	intra := rt.IntraThreads
	if intra <= 0 {
		intra = defaultIntraThreads
	}
	inter := rt.InterThreads
	if inter <= 0 {
		inter = defaultInterThreads
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intra); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(inter); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set inter threads: %w", err)
	}
	return opts, nil
}

// IOInfo describes the model input and output picked for a session.
type IOInfo struct {
	InputName   string
	InputDims   []int64
	OutputName  string
	OutputDims  []int64
	InputNames  []string
	OutputNames []string
}

// InspectModel reads the graph signature. preferredOutput wins when
// present; a single output is taken as is.
func InspectModel(modelPath, preferredOutput string) (IOInfo, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return IOInfo{}, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return IOInfo{}, fmt.Errorf("inspect %s: %w", filepath.Base(modelPath), err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return IOInfo{}, errors.New("model has no inputs or outputs")
	}
	info := IOInfo{
		InputName:   inputs[0].Name,
		InputDims:   inputs[0].Dimensions,
		InputNames:  names(inputs),
		OutputNames: names(outputs),
	}
	for _, out := range outputs {
		if preferredOutput != "" && strings.EqualFold(out.Name, preferredOutput) {
			info.OutputName, info.OutputDims = out.Name, out.Dimensions
			return info, nil
		}
	}
	if len(outputs) == 1 {
		info.OutputName, info.OutputDims = outputs[0].Name, outputs[0].Dimensions
		return info, nil
	}
	return IOInfo{}, fmt.Errorf("multiple outputs found without %q: %v", preferredOutput, info.OutputNames)
}

func names(infos []ort.InputOutputInfo) []string {
	out := make([]string, 0, len(infos))
	for _, in := range infos {
		out = append(out, in.Name)
	}
	return out
}

// HasInput reports whether the graph declares the named input.
func (i IOInfo) HasInput(name string) bool {
	for _, n := range i.InputNames {
		if n == name {
			return true
		}
	}
	return false
}

// Shape replaces dynamic (non-positive) dimensions of dims with the values
// from fill, position by position. Missing fill values become 1.
func Shape(dims []int64, fill ...int64) ort.Shape {
	out := make([]int64, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			out[i] = d
		case i < len(fill) && fill[i] > 0:
			out[i] = fill[i]
		default:
			out[i] = 1
		}
	}
	return ort.Shape(out)
}
