package worker

// Message types carried in the envelope Type field. Request types double as
// operation names; the worker echoes the request id on every related frame.
const (
	// Host -> worker requests.
	opInitialize        = "initialize"
	opGetLocalModels    = "getLocalModels"
	opGetAvailable      = "getAvailableModels"
	opSearchModels      = "searchModels"
	opDownloadModel     = "downloadModel"
	opDeleteModel       = "deleteModel"
	opLoadModel         = "loadModel"
	opUnloadModel       = "unloadModel"
	opGenerate          = "generateResponse"
	opGenerateStream    = "generateStreamResponse"
	opSetModelSettings  = "setModelSettings"
	opGetModelSettings  = "getModelSettings"
	opGetRuntimeInfo    = "getModelRuntimeInfo"
	opGetModelStatus    = "getModelStatus"
	opCancelDownload    = "cancelDownload"
	opDownloadProgress  = "getDownloadProgress"
	opAbortGeneration   = "abortGeneration"

	// Worker -> host frames.
	msgResponse = "response" // final reply; doubles as the stream-end sentinel
	msgChunk    = "chunk"    // one streamed fragment
	msgProgress = "progress" // download progress report
	msgFatal    = "fatal"    // unrecoverable engine fault, treated as a crash

	// Worker -> host reverse calls, serviced by the host on the same id.
	msgToolCatalog = "toolCatalog"
	msgToolExecute = "toolExecute"
)

// abortPayload is the body of an abortGeneration message.
type abortPayload struct {
	RequestID string `json:"requestId"`
}
