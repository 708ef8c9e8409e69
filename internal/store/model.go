// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package store

// Rows as persisted by gorm. Times are unix seconds.

type HostDO struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"size:255;uniqueIndex"`
	Available      bool
	State          string
	Cores          int
	RAMMb          int     `gorm:"column:ram_mb"`
	DiskGb         float64 `gorm:"column:disk_gb"`
	GeneralPurpose bool
}

func (HostDO) TableName() string { return "hosts" }

type HostCalibrationDO struct {
	ID       uint   `gorm:"primaryKey"`
	HostName string `gorm:"size:255;index"`
	CPU      float64
	Memory   float64
	Power    float64
}

func (HostCalibrationDO) TableName() string { return "host_calibrations" }

type AcceleratorDO struct {
	ID       uint   `gorm:"primaryKey"`
	HostName string `gorm:"size:255;index"`
	Name     string
	Type     string
	Count    int
}

func (AcceleratorDO) TableName() string { return "accelerators" }

type AcceleratorCalibrationDO struct {
	ID          uint   `gorm:"primaryKey"`
	HostName    string `gorm:"size:255;index"`
	Accelerator string
	Parameters  map[string]float64 `gorm:"serializer:json"`
	Power       float64
}

func (AcceleratorCalibrationDO) TableName() string { return "accelerator_calibrations" }

type HostProfileDO struct {
	ID               uint   `gorm:"primaryKey"`
	HostName         string `gorm:"size:255;index"`
	Benchmark        string
	Score            float64
	PowerPerformance float64
}

func (HostProfileDO) TableName() string { return "host_profiles" }

type VMDO struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"size:255;uniqueIndex"`
	HostName string `gorm:"size:255"`
	State    string
	Created  int64
}

func (VMDO) TableName() string { return "vms" }

type VMAppTagDO struct {
	ID     uint   `gorm:"primaryKey"`
	VMName string `gorm:"size:255;index"`
	Tag    string `gorm:"size:255;index"`
}

func (VMAppTagDO) TableName() string { return "vm_app_tags" }

type VMDiskImageDO struct {
	ID     uint   `gorm:"primaryKey"`
	VMName string `gorm:"size:255;index"`
	Image  string `gorm:"size:255;index"`
}

func (VMDiskImageDO) TableName() string { return "vm_disk_images" }

type HostEnergyDO struct {
	ID        uint   `gorm:"primaryKey"`
	HostName  string `gorm:"size:255;index:idx_host_energy_time"`
	Timestamp int64  `gorm:"index:idx_host_energy_time"`
	Power     float64
	Energy    float64
}

func (HostEnergyDO) TableName() string { return "host_energy" }

type HostLoadFractionDO struct {
	ID          uint   `gorm:"primaryKey"`
	HostName    string `gorm:"size:255;index:idx_load_fraction_time"`
	Timestamp   int64  `gorm:"index:idx_load_fraction_time"`
	SourceKind  string `gorm:"size:32"`
	SourceName  string `gorm:"size:255;index"`
	Fraction    float64
	PowerOffset float64
}

func (HostLoadFractionDO) TableName() string { return "host_load_fractions" }

var allModels = []any{
	&HostDO{}, &HostCalibrationDO{}, &AcceleratorDO{}, &AcceleratorCalibrationDO{}, &HostProfileDO{},
	&VMDO{}, &VMAppTagDO{}, &VMDiskImageDO{},
	&HostEnergyDO{}, &HostLoadFractionDO{},
}
