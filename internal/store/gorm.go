// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// Supported drivers
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// ErrInvalidFilter is returned for a trace filter without exactly one
// criterion
var ErrInvalidFilter = errors.New("trace filter needs exactly one of tag and disk image")

// Gorm is a Store on a relational database
type Gorm struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ Store = (*Gorm)(nil)

// NewGorm opens the database at dsn with driver and migrates the schema
func NewGorm(driver, dsn string, log *slog.Logger) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s store: %w", driver, err)
	}

	if driver == DriverSQLite {
		// one connection keeps in-memory databases alive and avoids lock errors
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("error migrating store schema: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	return &Gorm{db: db, logger: log.With("service", "store", "driver", driver)}, nil
}

// DB exposes the underlying connection
func (g *Gorm) DB() *gorm.DB {
	return g.db
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	g.logger.Info("closing store")
	return sqlDB.Close()
}

func (g *Gorm) Hosts(ctx context.Context) ([]*energy.Host, error) {
	var rows []HostDO
	if err := g.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error reading hosts: %w", err)
	}
	hosts := make([]*energy.Host, len(rows))
	for i, r := range rows {
		h := energy.NewHost(int(r.ID), r.Name)
		h.Available = r.Available
		h.State = r.State
		h.Cores, h.RAMMb, h.DiskGb = r.Cores, r.RAMMb, r.DiskGb
		hosts[i] = h
	}
	return hosts, nil
}

func (g *Gorm) SetHosts(ctx context.Context, hosts []*energy.Host) error {
	if len(hosts) == 0 {
		return nil
	}
	rows := make([]HostDO, len(hosts))
	for i, h := range hosts {
		rows[i] = HostDO{
			Name:      h.Name,
			Available: h.Available,
			State:     h.State,
			Cores:     h.Cores,
			RAMMb:     h.RAMMb,
			DiskGb:    h.DiskGb,
		}
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"available", "state", "cores", "ram_mb", "disk_gb"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("error writing hosts: %w", err)
	}
	return nil
}

func (g *Gorm) VMs(ctx context.Context) ([]*energy.VM, error) {
	var rows []VMDO
	if err := g.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error reading vms: %w", err)
	}
	vms := make([]*energy.VM, len(rows))
	for i, r := range rows {
		vm := energy.NewVM(int(r.ID), r.Name)
		vm.State = r.State
		vm.Created = time.Unix(r.Created, 0)
		if r.HostName != "" {
			vm.Host = energy.NewHost(0, r.HostName)
		}
		vms[i] = vm
	}
	return vms, nil
}

func (g *Gorm) SetVMs(ctx context.Context, vms []*energy.VM) error {
	if len(vms) == 0 {
		return nil
	}
	rows := make([]VMDO, len(vms))
	for i, vm := range vms {
		rows[i] = VMDO{Name: vm.Name, HostName: vm.HostName(), State: vm.State, Created: vm.Created.Unix()}
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"host_name", "state"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("error writing vms: %w", err)
	}
	return nil
}

// replace deletes the rows of model matching where and inserts rows in one
// transaction
func replace[T any](ctx context.Context, db *gorm.DB, where string, arg any, rows []T) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model T
		if err := tx.Where(where, arg).Delete(&model).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (g *Gorm) HostCalibration(ctx context.Context, host string) ([]energy.CalibrationPoint, error) {
	var rows []HostCalibrationDO
	if err := g.db.WithContext(ctx).Where("host_name = ?", host).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error reading calibration of %s: %w", host, err)
	}
	points := make([]energy.CalibrationPoint, len(rows))
	for i, r := range rows {
		points[i] = energy.CalibrationPoint{CPU: r.CPU, Memory: r.Memory, Power: r.Power}
	}
	return points, nil
}

func (g *Gorm) SetHostCalibration(ctx context.Context, host string, points []energy.CalibrationPoint) error {
	rows := make([]HostCalibrationDO, len(points))
	for i, p := range points {
		rows[i] = HostCalibrationDO{HostName: host, CPU: p.CPU, Memory: p.Memory, Power: p.Power}
	}
	if err := replace(ctx, g.db, "host_name = ?", host, rows); err != nil {
		return fmt.Errorf("error writing calibration of %s: %w", host, err)
	}
	return nil
}

func (g *Gorm) Accelerators(ctx context.Context, host string) ([]*energy.Accelerator, error) {
	var accRows []AcceleratorDO
	if err := g.db.WithContext(ctx).Where("host_name = ?", host).Order("id").Find(&accRows).Error; err != nil {
		return nil, fmt.Errorf("error reading accelerators of %s: %w", host, err)
	}
	var calRows []AcceleratorCalibrationDO
	if err := g.db.WithContext(ctx).Where("host_name = ?", host).Order("id").Find(&calRows).Error; err != nil {
		return nil, fmt.Errorf("error reading accelerator calibration of %s: %w", host, err)
	}

	accs := make([]*energy.Accelerator, len(accRows))
	byName := make(map[string]*energy.Accelerator, len(accRows))
	for i, r := range accRows {
		accs[i] = &energy.Accelerator{Name: r.Name, Type: energy.AcceleratorType(r.Type), Count: r.Count}
		byName[r.Name] = accs[i]
	}
	for _, r := range calRows {
		if acc, ok := byName[r.Accelerator]; ok {
			acc.Calibration = append(acc.Calibration, energy.AcceleratorCalibrationPoint{Parameters: r.Parameters, Power: r.Power})
		}
	}
	return accs, nil
}

func (g *Gorm) SetAccelerators(ctx context.Context, host string, accelerators []*energy.Accelerator) error {
	accRows := make([]AcceleratorDO, 0, len(accelerators))
	var calRows []AcceleratorCalibrationDO
	for _, a := range accelerators {
		accRows = append(accRows, AcceleratorDO{HostName: host, Name: a.Name, Type: string(a.Type), Count: a.Count})
		for _, p := range a.Calibration {
			calRows = append(calRows, AcceleratorCalibrationDO{HostName: host, Accelerator: a.Name, Parameters: p.Parameters, Power: p.Power})
		}
	}
	err := errors.Join(
		replace(ctx, g.db, "host_name = ?", host, accRows),
		replace(ctx, g.db, "host_name = ?", host, calRows),
	)
	if err != nil {
		return fmt.Errorf("error writing accelerators of %s: %w", host, err)
	}
	return nil
}

func (g *Gorm) HostProfile(ctx context.Context, host string) ([]energy.ProfilePoint, error) {
	var rows []HostProfileDO
	if err := g.db.WithContext(ctx).Where("host_name = ?", host).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error reading profile of %s: %w", host, err)
	}
	points := make([]energy.ProfilePoint, len(rows))
	for i, r := range rows {
		points[i] = energy.ProfilePoint{Benchmark: r.Benchmark, Score: r.Score, PowerPerformance: r.PowerPerformance}
	}
	return points, nil
}

func (g *Gorm) SetHostProfile(ctx context.Context, host string, points []energy.ProfilePoint) error {
	rows := make([]HostProfileDO, len(points))
	for i, p := range points {
		rows[i] = HostProfileDO{HostName: host, Benchmark: p.Benchmark, Score: p.Score, PowerPerformance: p.PowerPerformance}
	}
	if err := replace(ctx, g.db, "host_name = ?", host, rows); err != nil {
		return fmt.Errorf("error writing profile of %s: %w", host, err)
	}
	return nil
}

func (g *Gorm) VMProfile(ctx context.Context, vm string) (VMProfile, error) {
	var profile VMProfile
	db := g.db.WithContext(ctx)
	if err := db.Model(&VMAppTagDO{}).Where("vm_name = ?", vm).Order("id").Pluck("tag", &profile.AppTags).Error; err != nil {
		return VMProfile{}, fmt.Errorf("error reading tags of %s: %w", vm, err)
	}
	if err := db.Model(&VMDiskImageDO{}).Where("vm_name = ?", vm).Order("id").Pluck("image", &profile.DiskImages).Error; err != nil {
		return VMProfile{}, fmt.Errorf("error reading disk images of %s: %w", vm, err)
	}
	return profile, nil
}

func (g *Gorm) SetVMProfile(ctx context.Context, vm string, profile VMProfile) error {
	tags := make([]VMAppTagDO, len(profile.AppTags))
	for i, t := range profile.AppTags {
		tags[i] = VMAppTagDO{VMName: vm, Tag: t}
	}
	images := make([]VMDiskImageDO, len(profile.DiskImages))
	for i, img := range profile.DiskImages {
		images[i] = VMDiskImageDO{VMName: vm, Image: img}
	}
	err := errors.Join(
		replace(ctx, g.db, "vm_name = ?", vm, tags),
		replace(ctx, g.db, "vm_name = ?", vm, images),
	)
	if err != nil {
		return fmt.Errorf("error writing profile of %s: %w", vm, err)
	}
	return nil
}

func (g *Gorm) WriteHostHistoricData(ctx context.Context, host *energy.Host, t time.Time, power energy.Power, e energy.Energy) error {
	row := HostEnergyDO{HostName: host.Name, Timestamp: t.Unix(), Power: power.Watts(), Energy: e.WattHours()}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("error writing energy of %s: %w", host.Name, err)
	}
	return nil
}

// inPeriod restricts tx to rows whose column lies in period
func inPeriod(tx *gorm.DB, column string, period *energy.TimePeriod) *gorm.DB {
	if period == nil {
		return tx
	}
	return tx.Where(column+" BETWEEN ? AND ?", period.Start.Unix(), period.End.Unix())
}

func (g *Gorm) HostHistory(ctx context.Context, host *energy.Host, period *energy.TimePeriod) ([]energy.HostEnergyRecord, error) {
	var rows []HostEnergyDO
	tx := g.db.WithContext(ctx).Where("host_name = ?", host.Name)
	if err := inPeriod(tx, "timestamp", period).Order("timestamp").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error reading energy history of %s: %w", host.Name, err)
	}
	records := make([]energy.HostEnergyRecord, len(rows))
	for i, r := range rows {
		records[i] = energy.HostEnergyRecord{
			Host:   host,
			Time:   time.Unix(r.Timestamp, 0),
			Power:  energy.Power(r.Power),
			Energy: energy.Energy(r.Energy),
		}
	}
	return records, nil
}

func (g *Gorm) WriteHostLoadFraction(ctx context.Context, sample energy.LoadFractionSample) error {
	if sample.Len() == 0 {
		return nil
	}
	rows := make([]HostLoadFractionDO, 0, sample.Len())
	for _, src := range sample.Sources() {
		f, _ := sample.Fraction(src)
		rows = append(rows, HostLoadFractionDO{
			HostName:    sample.Host.Name,
			Timestamp:   sample.Time.Unix(),
			SourceKind:  string(src.Kind()),
			SourceName:  src.ID(),
			Fraction:    f,
			PowerOffset: sample.HostPowerOffset.Watts(),
		})
	}
	if err := g.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("error writing load fraction of %s: %w", sample.Host.Name, err)
	}
	return nil
}

// sourceOf rebuilds the source a load fraction row was recorded for
func sourceOf(kind energy.Kind, name string, host *energy.Host) energy.Source {
	switch kind {
	case energy.KindApplication:
		return energy.NewApplication(0, name, host)
	case energy.KindHost:
		return energy.NewHost(0, name)
	case energy.KindGeneralPurpose:
		return energy.NewGeneralPurposeNode(0, name)
	default:
		vm := energy.NewVM(0, name)
		vm.Host = host
		return vm
	}
}

func (g *Gorm) HostLoadFractionHistory(ctx context.Context, host *energy.Host, period *energy.TimePeriod) ([]energy.LoadFractionSample, error) {
	var rows []HostLoadFractionDO
	tx := g.db.WithContext(ctx).Where("host_name = ?", host.Name)
	if err := inPeriod(tx, "timestamp", period).Order("timestamp").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error reading load fraction history of %s: %w", host.Name, err)
	}

	var samples []energy.LoadFractionSample
	for _, r := range rows {
		if n := len(samples); n == 0 || samples[n-1].Time.Unix() != r.Timestamp {
			samples = append(samples, energy.NewLoadFractionSample(host, time.Unix(r.Timestamp, 0), energy.Power(r.PowerOffset)))
		}
		samples[len(samples)-1].Add(sourceOf(energy.Kind(r.SourceKind), r.SourceName, host), r.Fraction)
	}
	return samples, nil
}

// vmLoad selects the load fraction rows of vms matching filter
func (g *Gorm) vmLoad(ctx context.Context, filter TraceFilter) (*gorm.DB, error) {
	tx := g.db.WithContext(ctx).Table("host_load_fractions").
		Where("host_load_fractions.source_kind = ?", string(energy.KindVM))
	switch {
	case filter.Tag != "" && filter.DiskImage == "":
		return tx.Joins("JOIN vm_app_tags ON vm_app_tags.vm_name = host_load_fractions.source_name").
			Where("vm_app_tags.tag = ?", filter.Tag), nil
	case filter.DiskImage != "" && filter.Tag == "":
		return tx.Joins("JOIN vm_disk_images ON vm_disk_images.vm_name = host_load_fractions.source_name").
			Where("vm_disk_images.image = ?", filter.DiskImage), nil
	}
	return nil, ErrInvalidFilter
}

func (g *Gorm) average(ctx context.Context, period *energy.TimePeriod, joinTable, column string, values []string) (float64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	tx := g.db.WithContext(ctx).Table("host_load_fractions").
		Joins(fmt.Sprintf("JOIN %[1]s ON %[1]s.vm_name = host_load_fractions.source_name", joinTable)).
		Where("host_load_fractions.source_kind = ?", string(energy.KindVM)).
		Where(fmt.Sprintf("%s.%s IN ?", joinTable, column), values)
	var avg sql.NullFloat64
	if err := inPeriod(tx, "host_load_fractions.timestamp", period).
		Select("AVG(host_load_fractions.fraction)").Scan(&avg).Error; err != nil {
		return 0, fmt.Errorf("error averaging load by %s: %w", column, err)
	}
	return avg.Float64, nil
}

func (g *Gorm) AverageCPUUtilisationByTag(ctx context.Context, period *energy.TimePeriod, tags ...string) (float64, error) {
	return g.average(ctx, period, "vm_app_tags", "tag", tags)
}

func (g *Gorm) AverageCPUUtilisationByDiskImage(ctx context.Context, period *energy.TimePeriod, images ...string) (float64, error) {
	return g.average(ctx, period, "vm_disk_images", "image", images)
}

type loadRow struct {
	Timestamp int64
	Fraction  float64
	Created   int64
}

func (g *Gorm) loadRows(ctx context.Context, filter TraceFilter, period *energy.TimePeriod) ([]loadRow, error) {
	tx, err := g.vmLoad(ctx, filter)
	if err != nil {
		return nil, err
	}
	var rows []loadRow
	err = inPeriod(tx, "host_load_fractions.timestamp", period).
		Joins("JOIN vms ON vms.name = host_load_fractions.source_name").
		Select("host_load_fractions.timestamp, host_load_fractions.fraction, vms.created").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error reading vm load: %w", err)
	}
	return rows, nil
}

func (g *Gorm) WeeklyCPUTrace(ctx context.Context, filter TraceFilter, period *energy.TimePeriod) ([]WeeklyBucket, error) {
	rows, err := g.loadRows(ctx, filter, period)
	if err != nil {
		return nil, err
	}
	type slot struct {
		day  time.Weekday
		hour int
	}
	sums := map[slot]*WeeklyBucket{}
	for _, r := range rows {
		t := time.Unix(r.Timestamp, 0).UTC()
		s := slot{t.Weekday(), t.Hour()}
		b, ok := sums[s]
		if !ok {
			b = &WeeklyBucket{Day: s.day, Hour: s.hour}
			sums[s] = b
		}
		b.Mean += r.Fraction
		b.Samples++
	}

	buckets := make([]WeeklyBucket, 0, len(sums))
	for _, b := range sums {
		b.Mean /= float64(b.Samples)
		buckets = append(buckets, *b)
	}
	slices.SortFunc(buckets, func(a, b WeeklyBucket) int {
		return (int(a.Day)*24 + a.Hour) - (int(b.Day)*24 + b.Hour)
	})
	return buckets, nil
}

func (g *Gorm) BootRelativeCPUTrace(ctx context.Context, filter TraceFilter, window time.Duration) ([]BootBucket, error) {
	if window <= 0 {
		return nil, fmt.Errorf("invalid trace window %s", window)
	}
	rows, err := g.loadRows(ctx, filter, nil)
	if err != nil {
		return nil, err
	}
	windowSec := int64(window / time.Second)
	if windowSec == 0 {
		windowSec = 1
	}

	sums := map[int64]*BootBucket{}
	for _, r := range rows {
		offset := r.Timestamp - r.Created
		if offset < 0 {
			continue
		}
		idx := offset / windowSec
		b, ok := sums[idx]
		if !ok {
			b = &BootBucket{Offset: time.Duration(idx*windowSec) * time.Second}
			sums[idx] = b
		}
		b.Mean += r.Fraction
		b.Samples++
	}

	buckets := make([]BootBucket, 0, len(sums))
	for _, b := range sums {
		b.Mean /= float64(b.Samples)
		buckets = append(buckets, *b)
	}
	slices.SortFunc(buckets, func(a, b BootBucket) int {
		return int(a.Offset - b.Offset)
	})
	return buckets, nil
}
