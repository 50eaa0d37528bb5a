package failure

import (
	"errors"
	"fmt"
)

// Stage names one step of the provisioning or teardown pipeline.
type Stage string

// Pipeline stages.
const (
	StageAcquireImage  Stage = "acquire-image"
	StageComposeDisk   Stage = "compose-disk"
	StageRenderSeed    Stage = "render-seed"
	StagePackageSeed   Stage = "package-seed"
	StageDefineDomain  Stage = "define-domain"
	StageStartDomain   Stage = "start-domain"
	StageDestroyDomain Stage = "destroy-domain"
)

// StageError identifies which pipeline stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// AtStage wraps err with the stage it came from. A nil err stays nil.
func AtStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the outermost stage recorded on err.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
