// Package protocol defines the Healthcare API and DICOM JSON wire types.
package protocol

import (
	"encoding/json"
)

// DICOM attribute tags used in QIDO queries and responses.
const (
	TagStudyInstanceUID  = "0020000D"
	TagSeriesInstanceUID = "0020000E"
	TagSOPInstanceUID    = "00080018"
)

// Media types.
const (
	MediaTypeJSON      = "application/json; charset=utf-8"
	MediaTypeDicomJSON = "application/dicom+json; charset=utf-8"
	MediaTypeDicomXML  = "application/dicom+xml"
	MediaTypeDicom     = "application/dicom"
	// AcceptDicomAnySyntax asks for the stored transfer syntax unchanged.
	AcceptDicomAnySyntax = "application/dicom; transfer-syntax=*"
)

// Attribute is a single element of a DICOM JSON dataset.
type Attribute struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value,omitempty"`
}

// Dataset is a DICOM JSON object keyed by tag.
type Dataset map[string]Attribute

// String returns the first value of tag as a string, or "" if absent.
func (d Dataset) String(tag string) string {
	attr, ok := d[tag]
	if !ok || len(attr.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(attr.Value[0], &s); err != nil {
		return ""
	}
	return s
}

// StoreResource is a dicomStores resource.
type StoreResource struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ListStoresResponse is returned by GET .../dicomStores.
type ListStoresResponse struct {
	DicomStores   []StoreResource `json:"dicomStores"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

// ErrorResponse is the Google API error envelope.
type ErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
