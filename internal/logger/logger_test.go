// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString   = "^time=\"[0-9/:. ]{26}\" severity=TRACE message=\"TestLogs: www.traceExample.com\""
	textDebugString   = "^time=\"[0-9/:. ]{26}\" severity=DEBUG message=\"TestLogs: www.debugExample.com\""
	textInfoString    = "^time=\"[0-9/:. ]{26}\" severity=INFO message=\"TestLogs: www.infoExample.com\""
	textWarningString = "^time=\"[0-9/:. ]{26}\" severity=WARNING message=\"TestLogs: www.warningExample.com\""
	textErrorString   = "^time=\"[0-9/:. ]{26}\" severity=ERROR message=\"TestLogs: www.errorExample.com\""

	jsonTraceString   = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"TRACE\",\"message\":\"TestLogs: www.traceExample.com\"}"
	jsonDebugString   = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"DEBUG\",\"message\":\"TestLogs: www.debugExample.com\"}"
	jsonInfoString    = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"INFO\",\"message\":\"TestLogs: www.infoExample.com\"}"
	jsonWarningString = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"WARNING\",\"message\":\"TestLogs: www.warningExample.com\"}"
	jsonErrorString   = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"ERROR\",\"message\":\"TestLogs: www.errorExample.com\"}"
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

// //////////////////////////////////////////////////////////////////////
// Boilerplate
// //////////////////////////////////////////////////////////////////////

func redirectLogsToGivenBuffer(buf *bytes.Buffer, level string) {
	var programLevel = new(slog.LevelVar)
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel, "TestLogs: "),
	)
	setLoggingLevel(level, programLevel)
}

// fetchLogOutputForSpecifiedSeverityLevel takes configured severity and
// functions that write logs as parameter and returns string array containing
// output from each function call.
func fetchLogOutputForSpecifiedSeverityLevel(level string, functions []func()) []string {
	// create a logger that writes to buffer at configured level.
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, level)

	var output []string
	// run the functions provided.
	for _, f := range functions {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func getTestLoggingFunctions() []func() {
	return []func(){
		func() {
			Tracef("www.traceExample.com")
		},
		func() {
			Debugf("www.debugExample.com")
		},
		func() {
			Infof("www.infoExample.com")
		},
		func() {
			Warnf("www.warningExample.com")
		},
		func() {
			Errorf("www.errorExample.com")
		},
	}
}

func validateOutput(t *testing.T, expected []string, output []string) {
	for i := range output {
		if expected[i] == "" {
			assert.Equal(t, expected[i], output[i])
		} else {
			expectedRegexp := regexp.MustCompile(expected[i])
			assert.True(t, expectedRegexp.MatchString(output[i]), "%q should match %q", output[i], expected[i])
		}
	}
}

func validateLogOutputAtSpecifiedFormatAndSeverity(t *testing.T, format string, level string, expectedOutput []string) {
	// set log format
	defaultLoggerFactory.format = format

	output := fetchLogOutputForSpecifiedSeverityLevel(level, getTestLoggingFunctions())

	validateOutput(t, expectedOutput, output)
}

// //////////////////////////////////////////////////////////////////////
// Tests
// //////////////////////////////////////////////////////////////////////

func (t *LoggerTest) TestTextSeverityTrace() {
	expected := []string{
		textTraceString, textDebugString, textInfoString, textWarningString, textErrorString,
	}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", traceSeverity, expected)
}

func (t *LoggerTest) TestTextSeverityInfo() {
	expected := []string{
		"", "", textInfoString, textWarningString, textErrorString,
	}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", infoSeverity, expected)
}

func (t *LoggerTest) TestTextSeverityError() {
	expected := []string{
		"", "", "", "", textErrorString,
	}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", errorSeverity, expected)
}

func (t *LoggerTest) TestTextSeverityOff() {
	expected := []string{
		"", "", "", "", "",
	}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", offSeverity, expected)
}

func (t *LoggerTest) TestJsonSeverityTrace() {
	expected := []string{
		jsonTraceString, jsonDebugString, jsonInfoString, jsonWarningString, jsonErrorString,
	}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", traceSeverity, expected)
}

func (t *LoggerTest) TestJsonSeverityWarning() {
	expected := []string{
		"", "", "", jsonWarningString, jsonErrorString,
	}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", warningSeverity, expected)
}

func (t *LoggerTest) TestInvalidSeverityDefaultsToInfo() {
	expected := []string{
		"", "", textInfoString, textWarningString, textErrorString,
	}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", "NOT_A_SEVERITY", expected)
}
