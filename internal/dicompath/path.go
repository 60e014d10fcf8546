// Package dicompath maps mount-relative POSIX paths onto the
// Dataset/Store/Study/Series/Instance hierarchy.
package dicompath

import (
	"errors"
	"strings"
)

// Extension is appended to instance UIDs to form file names.
const Extension = ".dcm"

// ErrInvalidPath is returned for paths that do not denote any level.
var ErrInvalidPath = errors.New("invalid path")

// Level is the hierarchy level a Path addresses.
type Level int

const (
	Dataset Level = iota
	Store
	Study
	Series
	Instance
	TempInStore
	TempInSeries
)

var levelNames = [...]string{
	Dataset:      "dataset",
	Store:        "store",
	Study:        "study",
	Series:       "series",
	Instance:     "instance",
	TempInStore:  "temp_in_store",
	TempInSeries: "temp_in_series",
}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[l]
}

// IsDir reports whether paths at this level are directories.
func (l Level) IsDir() bool {
	return l <= Series
}

// IsTemp reports whether the level denotes a locally created file with no
// remote identity yet.
func (l Level) IsTemp() bool {
	return l == TempInStore || l == TempInSeries
}

// Path is an immutable resource identifier. Two paths are equal when all
// populated fields and the level match, so Path is usable as a map key.
type Path struct {
	Level       Level
	StoreID     string
	StudyUID    string
	SeriesUID   string
	InstanceUID string
	// FileName is the literal name given at create time; TEMP levels only.
	FileName string
}

// DatasetPath returns the root path.
func DatasetPath() Path {
	return Path{Level: Dataset}
}

// StorePath returns the path of a store.
func StorePath(storeID string) Path {
	return Path{Level: Store, StoreID: storeID}
}

// StudyPath returns the path of a study.
func StudyPath(storeID, studyUID string) Path {
	return Path{Level: Study, StoreID: storeID, StudyUID: studyUID}
}

// SeriesPath returns the path of a series.
func SeriesPath(storeID, studyUID, seriesUID string) Path {
	return Path{Level: Series, StoreID: storeID, StudyUID: studyUID, SeriesUID: seriesUID}
}

// InstancePath returns the path of an instance.
func InstancePath(storeID, studyUID, seriesUID, instanceUID string) Path {
	return Path{
		Level:       Instance,
		StoreID:     storeID,
		StudyUID:    studyUID,
		SeriesUID:   seriesUID,
		InstanceUID: instanceUID,
	}
}

// StoreRoot returns the store this path lives in.
func (p Path) StoreRoot() Path {
	return StorePath(p.StoreID)
}

// Parent returns the directory containing p. The dataset is its own parent.
func (p Path) Parent() Path {
	switch p.Level {
	case Store:
		return DatasetPath()
	case Study, TempInStore:
		return StorePath(p.StoreID)
	case Series:
		return StudyPath(p.StoreID, p.StudyUID)
	case Instance, TempInSeries:
		return SeriesPath(p.StoreID, p.StudyUID, p.SeriesUID)
	default:
		return DatasetPath()
	}
}

// String renders p back into mount-relative form.
func (p Path) String() string {
	var b strings.Builder
	write := func(seg string) {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	switch p.Level {
	case Dataset:
		return "/"
	case Store:
		write(p.StoreID)
	case Study:
		write(p.StoreID)
		write(p.StudyUID)
	case Series:
		write(p.StoreID)
		write(p.StudyUID)
		write(p.SeriesUID)
	case Instance:
		write(p.StoreID)
		write(p.StudyUID)
		write(p.SeriesUID)
		write(p.InstanceUID + Extension)
	case TempInStore:
		write(p.StoreID)
		write(p.FileName)
	case TempInSeries:
		write(p.StoreID)
		write(p.StudyUID)
		write(p.SeriesUID)
		write(p.FileName)
	}
	return b.String()
}
