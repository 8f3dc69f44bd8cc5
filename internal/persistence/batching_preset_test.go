package persistence

import "testing"

func TestPresetByNameResolvesKnownPresets(testContext *testing.T) {
	for _, name := range []string{"web", "embedded", "test", ""} {
		cfg, err := PresetByName(name)
		if err != nil {
			testContext.Fatalf("PresetByName(%q) failed: %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			testContext.Fatalf("preset %q failed validation: %v", name, err)
		}
	}
}

func TestPresetByNameRejectsUnknown(testContext *testing.T) {
	if _, err := PresetByName("desktop"); err == nil {
		testContext.Fatalf("expected error for unknown preset")
	}
}

func TestBatchingConfigValidateRejectsBadValues(testContext *testing.T) {
	cases := []BatchingConfig{
		{MaxBatchCount: 0, MaxBatchBytes: 1, BatchTimeout: 1},
		{MaxBatchCount: 1, MaxBatchBytes: 0, BatchTimeout: 1},
		{MaxBatchCount: 1, MaxBatchBytes: 1, BatchTimeout: 0},
		{MaxBatchCount: 1, MaxBatchBytes: 1, BatchTimeout: 1, DebounceDelay: -1},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			testContext.Fatalf("case %d: expected validation error for %+v", i, cfg)
		}
	}
}
