package domain

import "testing"

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		AssetCount: 3,
		Settings:   TransformSettings{Width: 640, AspectLocked: true, Quality: 80, Format: FormatWebP},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	invalid := CreateJobRequest{}
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	missingObjectKeys := CreateJobRequest{SourceType: SourceTypeLocalFile}
	if err := missingObjectKeys.Validate(); err == nil {
		t.Fatal("expected validation error for local_file object_keys")
	}

	badQuality := CreateJobRequest{
		SourceType: SourceTypeLocalFile,
		ObjectKeys: []string{"a.png"},
		Settings:   TransformSettings{Quality: 101},
	}
	if err := badQuality.Validate(); err == nil {
		t.Fatal("expected validation error for quality out of range")
	}

	unsupportedSourceType := CreateJobRequest{
		SourceType: "http_url",
		ObjectKeys: []string{"a.png"},
	}
	if err := unsupportedSourceType.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported source_type")
	}
}

func TestBatchStatus(t *testing.T) {
	ok := BatchItemResult{ObjectKey: "a"}
	bad := BatchItemResult{ObjectKey: "b", Error: "decode failed"}

	if got := BatchStatus([]BatchItemResult{ok, ok}); got != JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
	if got := BatchStatus([]BatchItemResult{ok, bad}); got != JobStatusPartial {
		t.Fatalf("expected partial, got %s", got)
	}
	if got := BatchStatus([]BatchItemResult{bad}); got != JobStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}
