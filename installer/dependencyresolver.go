// Copyright 2023 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package installer

import (
	"github.com/pkg/errors"

	"github.com/northlake-systems/pkgstage/dbus"
)

const (
	dependencyResolverServiceName = "system.pkgstage.DependencyResolverService"
	dependencyResolverObjectPath  = "/system/pkgstage/DependencyResolverService"
)

// DBusDependencyResolver expands a package set to the packages the
// Constraint Waiter must evaluate predicates over.
type DBusDependencyResolver struct {
	conn *dbus.Conn
}

func NewDBusDependencyResolver() (*DBusDependencyResolver, error) {
	conn, err := dbus.DialSystemBus(dependencyResolverServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach dependency resolver service")
	}
	return &DBusDependencyResolver{conn: conn}, nil
}

func (r *DBusDependencyResolver) ResolveDependencies(packages []string) ([]string, error) {
	var resolved []string
	if err := r.conn.Call(dependencyResolverObjectPath, "ResolveDependencies", &resolved, packages); err != nil {
		return nil, errors.Wrap(err, "resolve_dependencies failed")
	}
	return resolved, nil
}
