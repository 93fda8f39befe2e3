package types

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockVulnSrc struct {
	mock.Mock
}

func (_m *MockVulnSrc) Name() SourceID {
	ret := _m.Called()
	return ret.Get(0).(SourceID)
}

// Collect emits the records the expectation returns first, then returns its error.
func (_m *MockVulnSrc) Collect(ctx context.Context, dir string, emit EmitFunc) error {
	ret := _m.Called(dir)
	ret0 := ret.Get(0)
	if ret0 == nil {
		return ret.Error(1)
	}
	records, ok := ret0.([]PartialRecord)
	if !ok {
		return ret.Error(1)
	}
	for _, rec := range records {
		if err := emit(rec); err != nil {
			return err
		}
	}
	return ret.Error(1)
}
