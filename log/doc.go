// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package log implements the logging framework for the key server.

The framework wraps seelog and has to be initialized with Init before any
logging calls are executed. Besides console and rolling-file outputs the
framework can ship log records to a remote syslog host.
*/
package log
