package lifecycle

// -------------------------------------------------------------------------
// PRESERVATION STATES
// -------------------------------------------------------------------------

// Fail-states share the rank of the stage they fail, so a failure can be
// entered from any earlier stage but never from a later one.
const (
	PreservationRequestReceived  State = "PRESERVATION_REQUEST_RECEIVED"
	PreservationRequestFailed    State = "PRESERVATION_REQUEST_FAILED"
	ResourcesDownloadSuccess     State = "PRESERVATION_RESOURCES_DOWNLOAD_SUCCESS"
	ResourcesDownloadFailure     State = "PRESERVATION_RESOURCES_DOWNLOAD_FAILURE"
	ResourcesPackageSuccess      State = "PRESERVATION_RESOURCES_PACKAGE_SUCCESS"
	ResourcesPackageFailure      State = "PRESERVATION_RESOURCES_PACKAGE_FAILURE"
	MetadataPackagedSuccessfully State = "PRESERVATION_METADATA_PACKAGED_SUCCESSFULLY"
	MetadataPackagedFailure      State = "PRESERVATION_METADATA_PACKAGED_FAILURE"
	PackageComplete              State = "PRESERVATION_PACKAGE_COMPLETE"
	PackageWaitingForMoreData    State = "PRESERVATION_PACKAGE_WAITING_FOR_MORE_DATA"
	PackageUploadInitiated       State = "PRESERVATION_PACKAGE_UPLOAD_INITIATED"
	PackageUploadSuccess         State = "PRESERVATION_PACKAGE_UPLOAD_SUCCESS"
	PackageUploadFailure         State = "PRESERVATION_PACKAGE_UPLOAD_FAILURE"
)

// Preservation is the state machine for preservation requests.
var Preservation = NewMachine("preservation",
	Definition{State: PreservationRequestReceived, Rank: 0,
		Description: "Preservation request received and understood"},
	Definition{State: PreservationRequestFailed, Rank: 0, Failure: true,
		Description: "Preservation request was incorrect or incomplete"},
	Definition{State: ResourcesDownloadSuccess, Rank: 10,
		Description: "Resources downloaded"},
	Definition{State: ResourcesDownloadFailure, Rank: 10, Failure: true,
		Description: "Could not download resources"},
	Definition{State: ResourcesPackageSuccess, Rank: 20,
		Description: "Resources packaged"},
	Definition{State: ResourcesPackageFailure, Rank: 20, Failure: true,
		Description: "Could not package resources"},
	Definition{State: MetadataPackagedSuccessfully, Rank: 30,
		Description: "Metadata packaged"},
	Definition{State: MetadataPackagedFailure, Rank: 30, Failure: true,
		Description: "Could not transform or package metadata"},
	Definition{State: PackageComplete, Rank: 40,
		Description: "Package complete"},
	Definition{State: PackageWaitingForMoreData, Rank: 50,
		Description: "Package is waiting for more data before upload"},
	Definition{State: PackageUploadInitiated, Rank: 60,
		Description: "Upload of package to storage initiated"},
	Definition{State: PackageUploadSuccess, Rank: 70, Terminal: true,
		Description: "Package uploaded to storage"},
	Definition{State: PackageUploadFailure, Rank: 70, Failure: true,
		Description: "Upload of package to storage failed"},
)

// -------------------------------------------------------------------------
// IMPORT STATES
// -------------------------------------------------------------------------

const (
	ImportRequestReceived         State = "IMPORT_REQUEST_RECEIVED"
	ImportRequestFailed           State = "IMPORT_REQUEST_FAILED"
	ImportRetrievalInitiated      State = "IMPORT_RETRIEVAL_FROM_STORAGE_INITIATED"
	ImportRetrievalSuccess        State = "IMPORT_RETRIEVAL_FROM_STORAGE_SUCCESS"
	ImportRetrievalFailure        State = "IMPORT_RETRIEVAL_FROM_STORAGE_FAILURE"
	ImportRecordExtracted         State = "IMPORT_RECORD_EXTRACTED"
	ImportRecordNotFound          State = "IMPORT_RECORD_NOT_FOUND"
	ImportRecordExtractionFailure State = "IMPORT_RECORD_EXTRACTION_FAILURE"
	ImportChecksumValid           State = "IMPORT_CHECKSUM_VALID"
	ImportChecksumMismatch        State = "IMPORT_CHECKSUM_MISMATCH"
	ImportTokenValid              State = "IMPORT_TOKEN_VALID"
	ImportTokenExpired            State = "IMPORT_TOKEN_EXPIRED"
	ImportDeliveryInitiated       State = "IMPORT_DELIVERY_INITIATED"
	ImportDeliverySuccess         State = "IMPORT_DELIVERY_SUCCESS"
	ImportDeliveryFailure         State = "IMPORT_DELIVERY_FAILURE"
)

// Import is the state machine for import (retrieval) requests.
var Import = NewMachine("import",
	Definition{State: ImportRequestReceived, Rank: 0,
		Description: "Import request received and understood"},
	Definition{State: ImportRequestFailed, Rank: 0, Failure: true,
		Description: "Import request was incorrect or incomplete"},
	Definition{State: ImportRetrievalInitiated, Rank: 10,
		Description: "Retrieval of container from storage initiated"},
	Definition{State: ImportRetrievalSuccess, Rank: 20,
		Description: "Container retrieved from storage"},
	Definition{State: ImportRetrievalFailure, Rank: 20, Failure: true,
		Description: "Could not retrieve container from storage"},
	Definition{State: ImportRecordExtracted, Rank: 30,
		Description: "Record extracted from container"},
	Definition{State: ImportRecordNotFound, Rank: 30, Failure: true,
		Description: "Record not found in container"},
	Definition{State: ImportRecordExtractionFailure, Rank: 30, Failure: true,
		Description: "Could not extract record from container"},
	Definition{State: ImportChecksumValid, Rank: 40,
		Description: "Checksum of extracted record verified"},
	Definition{State: ImportChecksumMismatch, Rank: 40, Failure: true,
		Description: "Checksum of extracted record did not match"},
	Definition{State: ImportTokenValid, Rank: 50,
		Description: "Delivery token is valid"},
	Definition{State: ImportTokenExpired, Rank: 50, Failure: true,
		Description: "Delivery token has expired"},
	Definition{State: ImportDeliveryInitiated, Rank: 60,
		Description: "Delivery of record initiated"},
	Definition{State: ImportDeliverySuccess, Rank: 70, Terminal: true,
		Description: "Record delivered"},
	Definition{State: ImportDeliveryFailure, Rank: 70, Failure: true,
		Description: "Delivery of record failed"},
)
