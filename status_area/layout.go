/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package status_area

import "strings"

// LayoutVersion is bumped whenever a record layout changes.  Attach
// refuses areas written with any other version.
const LayoutVersion uint32 = 1

const (
	HeaderSize = 64

	AliasLen      = 32
	HostnameLen   = 64
	UniqueNameLen = 32
	FileNameLen   = 256
	URLLen        = 256
	MaskLen       = 256

	MaxSlots        = 10
	ErrorHistoryLen = 8
)

// Header field offsets.
const (
	hdrMagic      = 0
	hdrVersion    = 4
	hdrCount      = 8
	hdrFeatures   = 12
	hdrCreated    = 16
	hdrRecordSize = 24
	hdrGeneration = 28
	hdrCapacity   = 32
)

// Host record field offsets.
const (
	hAlias            = 0
	hRealHostname     = 32
	hToggle           = 160
	hProtocol         = 161
	hOrigToggle       = 162
	hAllowed          = 164
	hActiveTransfers  = 168 // LOCK_CON
	hMaxErrors        = 172
	hConnections      = 176
	hErrorCounter     = 184 // LOCK_EC
	hRetryInterval    = 188
	hTotalErrors      = 192
	hErrorHistory     = 200
	hHostStatus       = 208 // LOCK_HS
	hProtocolOptions  = 212
	hStartEvent       = 216
	hEndEvent         = 224
	hTotalFileCounter = 232 // LOCK_TFC
	hTotalFileSize    = 240
	hFileCounterDone  = 248
	hBytesSend        = 256
	hLastConnection   = 264
	hLastRetry        = 272
	hBlockSize        = 280
	hTransferTimeout  = 284
	hTrl              = 288
	hKeepConnected    = 296
	hDisconnect       = 300
	hLogCapabilities  = 304
	hJobsQueued       = 308
	hDebug            = 312
	hJobStatus        = 320

	HostRecordSize = hJobStatus + MaxSlots*JobStatusSize
)

// Job status field offsets, relative to the slot.
const (
	jConnectStatus     = 0
	jBurstCounter      = 4
	jNoOfFiles         = 8
	jNoOfFilesDone     = 12
	jFileSize          = 16
	jFileSizeDone      = 24
	jFileSizeInUse     = 32
	jFileSizeInUseDone = 40
	jBytesSend         = 48
	jUniqueName        = 56
	jFileNameInUse     = 88
	jPid               = 344
	jJobID             = 348

	JobStatusSize = 352
)

// Directory record field offsets.
const (
	dAlias             = 0
	dURL               = 32
	dRetrieveWorkDir   = 288
	dHostAlias         = 544
	dHostPos           = 576
	dDirFlag           = 580
	dDirMtime          = 584
	dErrorCounter      = 592 // retrieve list lock
	dKeepConnected     = 596
	dNextCheckTime     = 600
	dCheckInterval     = 608
	dForceReread       = 612
	dStupidMode        = 613
	dRemove            = 614
	dProtocol          = 615
	dFilesToRetrieve   = 616
	dMaxCopiedFiles    = 620
	dSizeToRetrieve    = 624
	dBytesReceived     = 632
	dFilesReceived     = 640
	dIgnoreFileTime    = 644
	dLastRetrieval     = 648
	dMaxCopiedFileSize = 656
	dIgnoreSize        = 664
	dWorkerPid         = 672
	dFileMask          = 680

	DirRecordSize = dFileMask + MaskLen + 8
)

// Protocol of a host or directory.
type Protocol uint8

const (
	ProtoUnknown Protocol = iota
	ProtoFTP
	ProtoSFTP
	ProtoSCP
	ProtoHTTP
	ProtoLOC
	ProtoEXEC
)

var protocolNames = map[Protocol]string{
	ProtoFTP:  "ftp",
	ProtoSFTP: "sftp",
	ProtoSCP:  "scp",
	ProtoHTTP: "http",
	ProtoLOC:  "file",
	ProtoEXEC: "exec",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseProtocol accepts the scheme names used in HOST_CONFIG and URLs.
func ParseProtocol(name string) Protocol {
	switch strings.ToLower(name) {
	case "ftp":
		return ProtoFTP
	case "sftp":
		return ProtoSFTP
	case "scp":
		return ProtoSCP
	case "http", "https", "webdav":
		return ProtoHTTP
	case "file", "loc", "local":
		return ProtoLOC
	case "exec":
		return ProtoEXEC
	}
	return ProtoUnknown
}

// ConnectStatus is the state of one job slot.
type ConnectStatus uint8

const (
	Disconnect ConnectStatus = iota
	Connecting
	FTPActive
	SFTPActive
	SCPActive
	HTTPActive
	LOCActive
	EXECActive
	FTPRetrieveActive
	SFTPRetrieveActive
	HTTPRetrieveActive
	LOCRetrieveActive
	NotWorking
	ClosingConnection
	Disabled
	Disconnected
)

var connectStatusNames = []string{
	"DISCONNECT", "CONNECTING", "FTP_ACTIVE", "SFTP_ACTIVE", "SCP_ACTIVE",
	"HTTP_ACTIVE", "LOC_ACTIVE", "EXEC_ACTIVE", "FTP_RETRIEVE_ACTIVE",
	"SFTP_RETRIEVE_ACTIVE", "HTTP_RETRIEVE_ACTIVE", "LOC_RETRIEVE_ACTIVE",
	"NOT_WORKING", "CLOSING_CONNECTION", "DISABLED", "DISCONNECTED",
}

func (s ConnectStatus) String() string {
	if int(s) < len(connectStatusNames) {
		return connectStatusNames[s]
	}
	return "UNKNOWN"
}

// CountsAsActive reports whether a slot in this state is included in
// active_transfers.
func (s ConnectStatus) CountsAsActive() bool {
	return s != Disconnect && s != Disabled
}

// ActiveStatus is the *_ACTIVE state for a connected worker.
func ActiveStatus(p Protocol, retrieve bool) ConnectStatus {
	if retrieve {
		switch p {
		case ProtoFTP:
			return FTPRetrieveActive
		case ProtoSFTP:
			return SFTPRetrieveActive
		case ProtoHTTP:
			return HTTPRetrieveActive
		case ProtoLOC:
			return LOCRetrieveActive
		}
	}
	switch p {
	case ProtoFTP:
		return FTPActive
	case ProtoSFTP:
		return SFTPActive
	case ProtoSCP:
		return SCPActive
	case ProtoHTTP:
		return HTTPActive
	case ProtoLOC:
		return LOCActive
	case ProtoEXEC:
		return EXECActive
	}
	return Connecting
}

// Toggle selects the real hostname in use.
type Toggle uint8

const (
	HostOne Toggle = 1
	HostTwo Toggle = 2
)

// Other returns the alternate hostname selector.
func (t Toggle) Other() Toggle {
	if t == HostTwo {
		return HostOne
	}
	return HostTwo
}

// Host status bits (LOCK_HS).
const (
	AutoPauseQueue uint32 = 1 << iota
	ErrorQueueSet
	PauseQueue
	StopTransfer
	HostErrorAcknowledged
	HostErrorOffline
	HostErrorOfflineStatic
	HostErrorOfflineT
	HostActionSuccess
	StoreIP
	EventStatusStatic
	EventStatusFlags
	DoNotDeleteData
	HostConfigHostDisabled
)

// HostErrorOfflineAny covers every offline flavour.
const HostErrorOfflineAny = HostErrorOffline | HostErrorOfflineStatic | HostErrorOfflineT

// Protocol option bits.
const (
	TimeoutTransfer uint32 = 1 << iota
	KeepConnectedDisconnect
	DisableBursting
	TCPKeepalive
	TLSStrictVerify
	KeepTimeStamp
	StatKeepalive
	UsePassiveFTP
	SortFileNames
)

var protocolOptionNames = map[string]uint32{
	"TIMEOUT_TRANSFER":          TimeoutTransfer,
	"KEEP_CONNECTED_DISCONNECT": KeepConnectedDisconnect,
	"DISABLE_BURSTING":          DisableBursting,
	"AFD_TCP_KEEPALIVE":         TCPKeepalive,
	"TLS_STRICT_VERIFY":         TLSStrictVerify,
	"KEEP_TIME_STAMP":           KeepTimeStamp,
	"STAT_KEEPALIVE":            StatKeepalive,
	"FTP_PASSIVE_MODE":          UsePassiveFTP,
	"SORT_FILE_NAMES":           SortFileNames,
}

// ProtocolOption looks up an option bit by its configuration name.
func ProtocolOption(name string) (uint32, bool) {
	bit, ok := protocolOptionNames[strings.ToUpper(strings.TrimSpace(name))]
	return bit, ok
}

// Area feature flags.
const (
	DisableRetrieve uint32 = 1 << iota
	DisableArchive
)

// Directory flag bits.
const (
	DirErrorSet uint32 = 1 << iota
	DoNotParallelize
	DirDisabled
	DirStopped
)

// StupidMode controls whether files already fetched are fetched again.
type StupidMode uint8

const (
	StupidNo StupidMode = iota
	StupidYes
	AppendOnly
	GetOnceOnly
)

func ParseStupidMode(s string) StupidMode {
	switch strings.ToUpper(s) {
	case "YES":
		return StupidYes
	case "APPEND_ONLY":
		return AppendOnly
	case "GET_ONCE_ONLY":
		return GetOnceOnly
	}
	return StupidNo
}

// ForceReread disables the directory mtime short-circuit.
type ForceReread uint8

const (
	RereadNo ForceReread = iota
	RereadYes
	RereadLocalOnly
	RereadRemoteOnly
)

func ParseForceReread(s string) ForceReread {
	switch strings.ToUpper(s) {
	case "YES":
		return RereadYes
	case "LOCAL_ONLY":
		return RereadLocalOnly
	case "REMOTE_ONLY":
		return RereadRemoteOnly
	}
	return RereadNo
}

// Unique-name handshake values stored in unique_name[2] while
// unique_name[0] is zero.
const (
	HandshakeIdle       byte = 0
	HandshakeBurstWait  byte = 4
	HandshakeSleeping   byte = 5
	HandshakeWakeUpExit byte = 6
)
