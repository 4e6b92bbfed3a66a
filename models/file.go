package models

import "time"

// FileStatus is the lifecycle status of a stored file.
type FileStatus string

const (
	FileUploading FileStatus = "UPLOADING"
	FileUploaded  FileStatus = "UPLOADED"
	FileCanceled  FileStatus = "CANCELED"
)

// Valid reports whether s is a known file status.
func (s FileStatus) Valid() bool {
	switch s {
	case FileUploading, FileUploaded, FileCanceled:
		return true
	default:
		return false
	}
}

// File represents one file stored on behalf of a client.
//
// Received counts the bytes durably written so far and never exceeds Size.
// Checksum stays empty until the upload is verified.
type File struct {
	FileID    int64      `json:"file_id"`
	ClientID  string     `json:"client_id"`
	Filename  string     `json:"filename"`
	Size      int64      `json:"size"`
	Received  int64      `json:"received"`
	Checksum  string     `json:"checksum,omitempty"`
	Status    FileStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Complete reports whether every declared byte has been received.
func (f *File) Complete() bool {
	return f.Received >= f.Size
}
