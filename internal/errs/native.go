package errs

import "strconv"

// NativeCode is the error code reported by the tunnel implementation. The
// numbering is shared with the platform plugins and must never change.
type NativeCode int

const (
	CodeNoError                     NativeCode = 0
	CodeUnexpected                  NativeCode = 1
	CodeVPNPermissionNotGranted     NativeCode = 2
	CodeInvalidServerCredentials    NativeCode = 3
	CodeUDPRelayNotEnabled          NativeCode = 4
	CodeServerUnreachable           NativeCode = 5
	CodeVPNStartFailure             NativeCode = 6
	CodeIllegalServerConfiguration  NativeCode = 7
	CodeShadowsocksStartFailure     NativeCode = 8
	CodeConfigureSystemProxyFailure NativeCode = 9
	CodeNoAdminPermissions          NativeCode = 10
	CodeUnsupportedRoutingTable     NativeCode = 11
	CodeSystemMisconfigured         NativeCode = 12
)

var nativeCodeNames = [...]string{
	CodeNoError:                     "NO_ERROR",
	CodeUnexpected:                  "UNEXPECTED",
	CodeVPNPermissionNotGranted:     "VPN_PERMISSION_NOT_GRANTED",
	CodeInvalidServerCredentials:    "INVALID_SERVER_CREDENTIALS",
	CodeUDPRelayNotEnabled:          "UDP_RELAY_NOT_ENABLED",
	CodeServerUnreachable:           "SERVER_UNREACHABLE",
	CodeVPNStartFailure:             "VPN_START_FAILURE",
	CodeIllegalServerConfiguration:  "ILLEGAL_SERVER_CONFIGURATION",
	CodeShadowsocksStartFailure:     "SHADOWSOCKS_START_FAILURE",
	CodeConfigureSystemProxyFailure: "CONFIGURE_SYSTEM_PROXY_FAILURE",
	CodeNoAdminPermissions:          "NO_ADMIN_PERMISSIONS",
	CodeUnsupportedRoutingTable:     "UNSUPPORTED_ROUTING_TABLE",
	CodeSystemMisconfigured:         "SYSTEM_MISCONFIGURED",
}

func (c NativeCode) Valid() bool {
	return c >= CodeNoError && int(c) < len(nativeCodeNames)
}

func (c NativeCode) String() string {
	if !c.Valid() {
		return "NATIVE_CODE_" + strconv.Itoa(int(c))
	}
	return nativeCodeNames[c]
}
