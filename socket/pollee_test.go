/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolleePollReturnsCurrentEvents(t *testing.T) {
	var p Pollee
	p.AddEvents(EventIn)
	got, _ := p.Poll(EventIn|EventOut, nil)
	assert.Equal(t, EventIn, got)
}

func TestPolleeNotifiesRegisteredObserver(t *testing.T) {
	var p Pollee
	notified := make(chan Events, 1)
	obs := ObserverFunc(func(e Events) { notified <- e })

	got, _ := p.Poll(EventOut, obs)
	assert.Equal(t, Events(0), got)

	p.AddEvents(EventIn) // does not intersect registered mask
	select {
	case <-notified:
		t.Fatal("observer notified for non-matching event")
	default:
	}

	p.AddEvents(EventOut)
	select {
	case e := <-notified:
		assert.Equal(t, EventOut, e)
	default:
		t.Fatal("observer not notified")
	}
}

func TestPolleeDelEventsNoNotify(t *testing.T) {
	var p Pollee
	p.AddEvents(EventIn | EventOut)
	p.DelEvents(EventOut)
	got, _ := p.Poll(EventIn|EventOut, nil)
	assert.Equal(t, EventIn, got)
}

func TestPolleeUnregisterStopsNotifications(t *testing.T) {
	var p Pollee
	notified := 0
	obs := ObserverFunc(func(Events) { notified++ })

	_, reg := p.Poll(EventIn, obs)
	p.Unregister(reg)
	p.AddEvents(EventIn)
	assert.Equal(t, 0, notified)
}
