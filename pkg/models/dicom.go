// Package models contains the identifiers of the remote DICOM hierarchy.
package models

import "strings"

// Store is a DICOM store inside a dataset.
type Store struct {
	// Name is the full resource name,
	// e.g. projects/p/locations/l/datasets/d/dicomStores/s.
	Name string `json:"name"`
}

// ID returns the last segment of the store resource name.
func (s Store) ID() string {
	if i := strings.LastIndex(s.Name, "/"); i >= 0 {
		return s.Name[i+1:]
	}
	return s.Name
}

// Study identifies a study inside a store.
type Study struct {
	StudyUID string `json:"study_uid"`
}

// Series identifies a series inside a study.
type Series struct {
	StudyUID  string `json:"study_uid"`
	SeriesUID string `json:"series_uid"`
}

// Instance identifies a single SOP instance.
type Instance struct {
	StudyUID    string `json:"study_uid"`
	SeriesUID   string `json:"series_uid"`
	InstanceUID string `json:"instance_uid"`
}

// IsZero reports whether the instance has no remote identity yet.
func (i Instance) IsZero() bool {
	return i.InstanceUID == ""
}
