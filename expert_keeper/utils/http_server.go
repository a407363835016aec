package utils

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

const (
	CodeOk              int32 = 0
	CodeEmptyHttpBody   int32 = 1
	CodeHttpDecodeFail  int32 = 2
	CodeInvalidArgument int32 = 3
	CodeNotReady        int32 = 4
	CodeInternal        int32 = 5
)

type ErrorStatus struct {
	Code    int32  `json:"code"`
	Message string `json:"message,omitempty"`
}

func StatusOk() *ErrorStatus {
	return &ErrorStatus{Code: CodeOk}
}

func StatusMsg(code int32, format string, args ...interface{}) *ErrorStatus {
	return &ErrorStatus{Code: code, Message: sprintf(format, args...)}
}

func GetReqFromHttpBody(r *http.Request, ptr interface{}) *ErrorStatus {
	if r.Body == nil {
		return StatusMsg(CodeEmptyHttpBody, "can't find http body")
	}
	data, _ := io.ReadAll(r.Body)
	if len(data) == 0 {
		return StatusMsg(CodeEmptyHttpBody, "can't find http body")
	}
	if err := json.Unmarshal(data, ptr); err != nil {
		return StatusMsg(CodeHttpDecodeFail, "decode err: %v", err.Error())
	}
	return nil
}

func GetStringFromUrl(r *http.Request, name string) (string, *ErrorStatus) {
	ans := r.URL.Query().Get(name)
	if ans == "" {
		return "", StatusMsg(CodeHttpDecodeFail, "can't get %s from url %v", name, r.URL.Query())
	}
	return ans, nil
}

func GetIntFromUrl(r *http.Request, name string) (int64, *ErrorStatus) {
	ans, err := GetStringFromUrl(r, name)
	if err != nil {
		return 0, err
	}
	val, e := strconv.ParseInt(ans, 10, 64)
	if e != nil {
		return 0, StatusMsg(CodeHttpDecodeFail,
			"can't parse %s as integer for %s in %v: %s",
			ans, name, r.URL.Query(), e.Error())
	}
	return val, nil
}

func WriteJson(w http.ResponseWriter, httpCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	_, _ = w.Write(MarshalJsonOrDie(body))
}
