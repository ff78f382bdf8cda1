package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/szytwo/facefusion/internal/apperrors"
)

// Kind is the value type a step argument key accepts.
type Kind int

const (
	KindString Kind = iota
	KindStringList
	KindNumber
	KindNumberList
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "a string"
	case KindStringList:
		return "a list of strings"
	case KindNumber:
		return "a number"
	case KindNumberList:
		return "a list of numbers"
	case KindBool:
		return "a boolean"
	default:
		return "unknown"
	}
}

// Key declares one recognized argument.
type Key struct {
	Name string
	Kind Kind
}

// StepKeys are the per-step arguments the processing engine understands.
var StepKeys = []Key{
	{KeySourcePaths, KindStringList},
	{KeyTargetPath, KindString},
	{KeyOutputPath, KindString},

	{"face_detector_model", KindString},
	{"face_detector_size", KindString},
	{"face_detector_angles", KindNumberList},
	{"face_detector_score", KindNumber},
	{"face_landmarker_model", KindString},
	{"face_landmarker_score", KindNumber},

	{"face_selector_mode", KindString},
	{"face_selector_order", KindString},
	{"face_selector_gender", KindString},
	{"face_selector_race", KindString},
	{"face_selector_age_start", KindNumber},
	{"face_selector_age_end", KindNumber},
	{"reference_face_position", KindNumber},
	{"reference_face_distance", KindNumber},
	{"reference_frame_number", KindNumber},

	{"face_occluder_model", KindString},
	{"face_parser_model", KindString},
	{"face_mask_types", KindStringList},
	{"face_mask_blur", KindNumber},
	{"face_mask_padding", KindNumberList},
	{"face_mask_regions", KindStringList},

	{"trim_frame_start", KindNumber},
	{"trim_frame_end", KindNumber},
	{"temp_frame_format", KindString},
	{"keep_temp", KindBool},

	{"output_image_quality", KindNumber},
	{"output_image_resolution", KindString},
	{"output_audio_encoder", KindString},
	{"output_video_encoder", KindString},
	{"output_video_preset", KindString},
	{"output_video_quality", KindNumber},
	{"output_video_resolution", KindString},
	{"output_video_fps", KindNumber},
	{"skip_audio", KindBool},

	{"processors", KindStringList},
	{"face_swapper_model", KindString},
	{"face_swapper_pixel_boost", KindString},
	{"face_enhancer_model", KindString},
	{"face_enhancer_blend", KindNumber},
	{"face_enhancer_weight", KindNumber},
	{"frame_enhancer_model", KindString},
	{"frame_enhancer_blend", KindNumber},
	{"lip_syncer_model", KindString},
	{"age_modifier_model", KindString},
	{"age_modifier_direction", KindNumber},
	{"expression_restorer_model", KindString},
	{"expression_restorer_factor", KindNumber},
	{"face_debugger_items", KindStringList},
	{"frame_colorizer_model", KindString},
	{"frame_colorizer_blend", KindNumber},
	{"frame_colorizer_size", KindString},
}

// runKeys are settings that apply to a whole run rather than to one step.
var runKeys = []Key{
	{"execution_device_id", KindString},
	{"execution_providers", KindStringList},
	{"execution_thread_count", KindNumber},
	{"execution_queue_count", KindNumber},
	{"download_providers", KindStringList},
	{"video_memory_strategy", KindString},
}

// JobKeys returns the job level keys. They are carried in RunConfig and
// rejected as step arguments.
func JobKeys() []Key {
	return slices.Clone(runKeys)
}

// stepShape is the minimum a step needs to be runnable.
type stepShape struct {
	SourcePaths []string `json:"source_paths" validate:"required,min=1,dive,required"`
	TargetPath  string   `json:"target_path" validate:"required"`
	OutputPath  string   `json:"output_path" validate:"required,nefield=TargetPath"`
}

// Schema validates and normalizes step arguments.
type Schema struct {
	kinds    map[string]Kind
	defaults Arguments
	validate *validator.Validate
}

// NewSchema builds a schema recognizing keys.
func NewSchema(keys []Key) *Schema {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	kinds := make(map[string]Kind, len(keys))
	for _, k := range keys {
		kinds[k.Name] = k.Kind
	}
	return &Schema{kinds: kinds, defaults: Arguments{}, validate: v}
}

// DefaultSchema recognizes StepKeys with no defaults.
func DefaultSchema() *Schema {
	return NewSchema(StepKeys)
}

// WithDefaults returns a copy of the schema that fills missing keys from
// defaults. Every default must itself be a recognized, well typed key.
func (s *Schema) WithDefaults(defaults map[string]any) (*Schema, error) {
	coerced, err := s.coerceAll(defaults)
	if err != nil {
		return nil, err
	}
	out := *s
	out.defaults = coerced
	return &out, nil
}

// Recognizes reports whether key is a step argument.
func (s *Schema) Recognizes(key string) bool {
	_, ok := s.kinds[key]
	return ok
}

// RecognizedKeys returns the set of step argument keys.
func (s *Schema) RecognizedKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(s.kinds))
	for k := range s.kinds {
		keys[k] = struct{}{}
	}
	return keys
}

// Keys returns the recognized keys in sorted order.
func (s *Schema) Keys() []string {
	return slices.Sorted(maps.Keys(s.kinds))
}

// Defaults returns a copy of the configured default arguments.
func (s *Schema) Defaults() Arguments {
	return s.defaults.Clone()
}

// Normalize coerces args to their declared kinds, fills defaults for
// absent keys and checks that the step has sources, a target and an output.
// Unknown keys are rejected rather than dropped.
func (s *Schema) Normalize(args map[string]any) (Arguments, error) {
	out, err := s.coerceAll(args)
	if err != nil {
		return nil, err
	}
	for k, v := range s.defaults.Clone() {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	if err := s.checkShape(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Schema) coerceAll(args map[string]any) (Arguments, error) {
	out := make(Arguments, len(args))
	for _, key := range slices.Sorted(maps.Keys(args)) {
		kind, ok := s.kinds[key]
		if !ok {
			if slices.ContainsFunc(runKeys, func(k Key) bool { return k.Name == key }) {
				return nil, apperrors.Validation(key, fmt.Sprintf("%s is a job setting, not a step argument", key))
			}
			return nil, apperrors.Validation(key, fmt.Sprintf("unrecognized step argument %q", key))
		}
		raw := args[key]
		if raw == nil {
			continue
		}
		value, err := coerce(kind, raw)
		if err != nil {
			return nil, apperrors.Validation(key, fmt.Sprintf("%s must be %s", key, kind))
		}
		out[key] = value
	}
	return out, nil
}

func (s *Schema) checkShape(args Arguments) error {
	shape := stepShape{
		SourcePaths: args.Strings(KeySourcePaths),
		TargetPath:  args.String(KeyTargetPath),
		OutputPath:  args.String(KeyOutputPath),
	}
	err := s.validate.Struct(shape)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Internal("validate step", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperrors.Validation(fe.Field(), fe.Field()+" is required")
	case "min":
		return apperrors.Validation(fe.Field(), fmt.Sprintf("%s needs at least %s entry", fe.Field(), fe.Param()))
	case "nefield":
		return apperrors.Validation(fe.Field(), fe.Field()+" must differ from target_path")
	default:
		return apperrors.Validation(fe.Field(), fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
	}
}

var errKind = errors.New("wrong kind")

func coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindStringList:
		return coerceStrings(v)
	case KindNumber:
		return coerceNumber(v)
	case KindNumberList:
		return coerceNumbers(v)
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	}
	return nil, errKind
}

func coerceStrings(v any) ([]string, error) {
	switch tv := v.(type) {
	case string:
		return []string{tv}, nil
	case []string:
		return slices.Clone(tv), nil
	case []any:
		out := make([]string, 0, len(tv))
		for _, item := range tv {
			s, ok := item.(string)
			if !ok {
				return nil, errKind
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errKind
}

func coerceNumbers(v any) ([]any, error) {
	var items []any
	switch tv := v.(type) {
	case []any:
		items = tv
	case []float64:
		for _, f := range tv {
			items = append(items, f)
		}
	case []int:
		for _, n := range tv {
			items = append(items, n)
		}
	case []int64:
		for _, n := range tv {
			items = append(items, n)
		}
	default:
		n, err := coerceNumber(v)
		if err != nil {
			return nil, err
		}
		return []any{n}, nil
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		n, err := coerceNumber(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// coerceNumber returns whole numbers as int and everything else as float64,
// so values read back from JSON compare equal to what was stored.
func coerceNumber(v any) (any, error) {
	var f float64
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil, errKind
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, errKind
		}
		f = parsed
	default:
		return nil, errKind
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errKind
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f), nil
	}
	return f, nil
}
