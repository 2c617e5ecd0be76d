/*
Copyright 2021.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dea

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	AdvertiseSubject = "staging.advertise"

	defaultAdvertisementExpiry = 10 * time.Second
)

var ErrNoStagerAvailable = errors.New("no available stagers")

type advertisement struct {
	Advertisement
	receivedAt time.Time
}

// StagerPool tracks the DEAs that advertised themselves as able to stage
type StagerPool struct {
	mu             sync.Mutex
	advertisements map[string]*advertisement
	expiry         time.Duration
	now            func() time.Time
	logger         logr.Logger
}

func NewStagerPool(logger logr.Logger) *StagerPool {
	return &StagerPool{
		advertisements: map[string]*advertisement{},
		expiry:         defaultAdvertisementExpiry,
		now:            time.Now,
		logger:         logger,
	}
}

// WithClock is used by tests to control advertisement expiry
func (p *StagerPool) WithClock(now func() time.Time) *StagerPool {
	p.now = now
	return p
}

func (p *StagerPool) Register(bus MessageBus) (Subscription, error) {
	return bus.Subscribe(AdvertiseSubject, func(data []byte) {
		if err := p.ProcessAdvertisement(data); err != nil {
			p.logger.Error(err, "ignoring malformed advertisement")
		}
	})
}

func (p *StagerPool) ProcessAdvertisement(data []byte) error {
	var ad Advertisement
	if err := json.Unmarshal(data, &ad); err != nil {
		return err
	}
	if ad.ID == "" {
		return errors.New("advertisement has no id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertisements[ad.ID] = &advertisement{Advertisement: ad, receivedAt: p.now()}
	return nil
}

// FindStager picks the DEA with the most free memory that supports stack and has room for
// the staging task. The chosen DEA's advertised capacity is reserved until it advertises again.
func (p *StagerPool) FindStager(stack string, memoryMB, diskMB int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []*advertisement
	for id, ad := range p.advertisements {
		if now.Sub(ad.receivedAt) > p.expiry {
			delete(p.advertisements, id)
			continue
		}
		if ad.AvailableMemory >= memoryMB && ad.AvailableDisk >= diskMB && supportsStack(ad.Stacks, stack) {
			candidates = append(candidates, ad)
		}
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: stack %s, %dMB memory, %dMB disk", ErrNoStagerAvailable, stack, memoryMB, diskMB)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AvailableMemory != candidates[j].AvailableMemory {
			return candidates[i].AvailableMemory > candidates[j].AvailableMemory
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	chosen.AvailableMemory -= memoryMB
	chosen.AvailableDisk -= diskMB
	return chosen.ID, nil
}

func supportsStack(stacks []string, stack string) bool {
	for _, s := range stacks {
		if s == stack {
			return true
		}
	}
	return false
}
