package winnt

// The interpreter touches a fixed set of kernel structure members and
// symbols. Both enumerations are closed: every entry is resolved once
// during setup and the resulting offset tables never change afterwards.

type memberOffset int

const (
	eprocessActiveProcessLinks memberOffset = iota
	eprocessImageFileName
	eprocessPcb
	eprocessPeb
	eprocessSeAuditProcessCreationInfo
	eprocessVadRoot
	kpcrPrcb
	kprcbCurrentThread
	kprocessDirectoryTableBase
	kthreadProcess
	ldrDataTableEntryDllBase
	ldrDataTableEntryFullDllName
	ldrDataTableEntryInLoadOrderLinks
	ldrDataTableEntrySizeOfImage
	objectNameInformationName
	pebLdr
	pebLdrDataInLoadOrderModuleList
	pebProcessParameters
	rtlUserProcessParametersImagePathName
	seAuditProcessCreationInfoImageFileName
	memberOffsetCount
)

type memberDesc struct {
	module, struc, member string
}

var memberDescs = [memberOffsetCount]memberDesc{
	eprocessActiveProcessLinks:              {"nt", "_EPROCESS", "ActiveProcessLinks"},
	eprocessImageFileName:                   {"nt", "_EPROCESS", "ImageFileName"},
	eprocessPcb:                             {"nt", "_EPROCESS", "Pcb"},
	eprocessPeb:                             {"nt", "_EPROCESS", "Peb"},
	eprocessSeAuditProcessCreationInfo:      {"nt", "_EPROCESS", "SeAuditProcessCreationInfo"},
	eprocessVadRoot:                         {"nt", "_EPROCESS", "VadRoot"},
	kpcrPrcb:                                {"nt", "_KPCR", "Prcb"},
	kprcbCurrentThread:                      {"nt", "_KPRCB", "CurrentThread"},
	kprocessDirectoryTableBase:              {"nt", "_KPROCESS", "DirectoryTableBase"},
	kthreadProcess:                          {"nt", "_KTHREAD", "Process"},
	ldrDataTableEntryDllBase:                {"nt", "_LDR_DATA_TABLE_ENTRY", "DllBase"},
	ldrDataTableEntryFullDllName:            {"nt", "_LDR_DATA_TABLE_ENTRY", "FullDllName"},
	ldrDataTableEntryInLoadOrderLinks:       {"nt", "_LDR_DATA_TABLE_ENTRY", "InLoadOrderLinks"},
	ldrDataTableEntrySizeOfImage:            {"nt", "_LDR_DATA_TABLE_ENTRY", "SizeOfImage"},
	objectNameInformationName:               {"nt", "_OBJECT_NAME_INFORMATION", "Name"},
	pebLdr:                                  {"nt", "_PEB", "Ldr"},
	pebLdrDataInLoadOrderModuleList:         {"nt", "_PEB_LDR_DATA", "InLoadOrderModuleList"},
	pebProcessParameters:                    {"nt", "_PEB", "ProcessParameters"},
	rtlUserProcessParametersImagePathName:   {"nt", "_RTL_USER_PROCESS_PARAMETERS", "ImagePathName"},
	seAuditProcessCreationInfoImageFileName: {"nt", "_SE_AUDIT_PROCESS_CREATION_INFO", "ImageFileName"},
}

type symbolOffset int

const (
	kiSystemCall64 symbolOffset = iota
	psActiveProcessHead
	psInitialSystemProcess
	symbolOffsetCount
)

type symbolDesc struct {
	module, name string
}

var symbolDescs = [symbolOffsetCount]symbolDesc{
	kiSystemCall64:         {"nt", "KiSystemCall64"},
	psActiveProcessHead:    {"nt", "PsActiveProcessHead"},
	psInitialSystemProcess: {"nt", "PsInitialSystemProcess"},
}
