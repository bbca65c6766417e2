package core

import "time"

// StorageInfoType is the document type of the metadata record.
const StorageInfoType = "graphstore.StorageInfo"

// StorageInfo is the metadata record kept in every storage instance under
// NilID.
type StorageInfo struct {
	Base
	Name         string
	Version      string
	LastModified time.Time
	LastBackup   time.Time
	LastCleanup  time.Time
}

// NewStorageInfo returns a metadata record for a freshly created storage.
func NewStorageInfo(name, version string) *StorageInfo {
	now := time.Now().UTC()
	info := &StorageInfo{
		Base:         NewBase(),
		Name:         name,
		Version:      version,
		LastModified: now,
		LastBackup:   now,
		LastCleanup:  now,
	}
	info.SetID(NilID)
	return info
}

func (i *StorageInfo) TypeName() string { return StorageInfoType }

func (i *StorageInfo) Describe(f *Fields) {
	i.Base.Describe(f)
	Value(f, "Name", &i.Name)
	Value(f, "Version", &i.Version)
	Value(f, "LastModified", &i.LastModified)
	Value(f, "LastBackup", &i.LastBackup)
	Value(f, "LastCleanup", &i.LastCleanup)
}

// Clone returns a copy that can be modified and stored without touching i.
func (i *StorageInfo) Clone() *StorageInfo {
	c := *i
	return &c
}

// IsStorageInfo reports whether s is the metadata record.
func IsStorageInfo(s Storable) bool {
	_, ok := s.(*StorageInfo)
	return ok
}
