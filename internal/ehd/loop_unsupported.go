/*
Copyright 2024 The pam-mount Authors.

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

//go:build !linux

package ehd

// LoopSetup is unavailable without kernel loop device support.
func LoopSetup(path string, readonly bool) (string, error) {
	return "", ErrNotSupported
}

// LoopRelease is unavailable without kernel loop device support.
func LoopRelease(device string) error {
	return ErrNotSupported
}

// LoopBackingFile has nothing to resolve without loop devices.
func LoopBackingFile(device string) string {
	return device
}
