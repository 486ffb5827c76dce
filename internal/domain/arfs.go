package domain

// ArFS tag names
const (
	TagArFS           = "ArFS"
	TagEntityType     = "Entity-Type"
	TagDriveID        = "Drive-Id"
	TagFolderID       = "Folder-Id"
	TagFileID         = "File-Id"
	TagParentFolderID = "Parent-Folder-Id"
	TagCipher         = "Cipher"
	TagCipherIV       = "Cipher-IV"
	TagDrivePrivacy   = "Drive-Privacy"
	TagDriveAuthMode  = "Drive-Auth-Mode"
	TagContentType    = "Content-Type"
	TagAppName        = "App-Name"
	TagAppVersion     = "App-Version"
	TagUnixTime       = "Unix-Time"
)

// Drive-Privacy values
const (
	PrivacyPublic  = "public"
	PrivacyPrivate = "private"
)
