// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

import (
	"strings"
	"time"
)

// VM is a virtual machine deployed on a host
type VM struct {
	VMID    int
	Name    string
	Host    *Host // nil until the host assignment is resolved
	State   string
	Created time.Time

	AppTags    []string
	DiskImages []string
}

var _ Source = (*VM)(nil)

func NewVM(id int, name string) *VM {
	return &VM{VMID: id, Name: name}
}

func (v *VM) ID() string {
	return v.Name
}

func (v *VM) Kind() Kind {
	return KindVM
}

// HostName returns the name of the host the VM runs on or "" if unknown
func (v *VM) HostName() string {
	if v.Host == nil {
		return ""
	}
	return v.Host.Name
}

// Application is a job or process group running directly on a host
type Application struct {
	AppID          int
	Name           string
	Host           *Host
	Status         string
	AllocatedCores int
}

var _ Source = (*Application)(nil)

func NewApplication(id int, name string, host *Host) *Application {
	return &Application{AppID: id, Name: name, Host: host}
}

func (a *Application) ID() string {
	return a.Name
}

func (a *Application) Kind() Kind {
	return KindApplication
}

// HostName returns the name of the host the application runs on or "" if
// unknown
func (a *Application) HostName() string {
	if a.Host == nil {
		return ""
	}
	return a.Host.Name
}

// HostNameFromWorkloadName extracts the host part of a workload named by the
// <prefix>_<hostname> convention. The first '_' is the delimiter.
func HostNameFromWorkloadName(name string) (string, bool) {
	_, host, found := strings.Cut(name, "_")
	if !found || host == "" {
		return "", false
	}
	return host, true
}
